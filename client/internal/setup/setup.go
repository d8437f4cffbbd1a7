package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/itchan-dev/chatsync/client/internal/apiclient"
	"github.com/itchan-dev/chatsync/client/internal/phrases"
	"github.com/itchan-dev/chatsync/client/internal/realtime"
	"github.com/itchan-dev/chatsync/client/internal/session"
	"github.com/itchan-dev/chatsync/client/internal/staging"
	"github.com/itchan-dev/chatsync/shared/config"
	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/logger"
	"github.com/itchan-dev/chatsync/shared/utils"
	"github.com/itchan-dev/chatsync/shared/validation"
)

const phraseRefreshInterval = 10 * time.Minute

type Dependencies struct {
	API        *apiclient.APIClient
	Subscriber *realtime.Subscriber
	Previews   *staging.MemoryPreviews
	Phrases    *phrases.Cache
	Sessions   *session.Manager
	Public     config.Public
	CancelFunc context.CancelFunc
}

// SetupDependencies builds the client from cfg. Call Close when done.
func SetupDependencies(cfg *config.Config) (*Dependencies, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	var sanitizer *utils.Sanitizer
	if cfg.Public.SanitizeBodies {
		sanitizer = utils.NewSanitizer()
	}

	apiClient := apiclient.New(cfg.Public.ApiBaseURL, cfg.AuthToken()).WithSanitizer(sanitizer)
	subscriber := realtime.NewSubscriber(realtime.Options{
		URL:           cfg.Public.ChannelURL,
		AuthPath:      cfg.Public.ChannelAuthPath,
		Scope:         cfg.Public.ChannelScope,
		DedupCapacity: cfg.Public.DedupCapacity,
		Sanitizer:     sanitizer,
	}, apiClient)

	previews := staging.NewMemoryPreviews()
	creds := domain.Credentials{
		User:      domain.User{Id: cfg.UserId(), Type: cfg.UserType()},
		AuthToken: cfg.AuthToken(),
	}
	if _, err := realtime.ResolveCredentials(creds, time.Now()); err != nil {
		logger.Log.Warn("realtime disabled, running on REST only", "error", err)
	}

	sessions := session.NewManager(session.Deps{
		API:         apiClient,
		Channel:     subscriber,
		Previews:    previews,
		Credentials: creds,
	}, session.Config{
		TypingDebounce:   cfg.Public.TypingDebounce,
		SendTimeout:      cfg.Public.SendTimeout,
		MarkReadInterval: cfg.Public.MarkReadInterval,
		Rules: validation.AttachmentRules{
			MaxCount:          cfg.Public.MaxAttachments,
			MaxSizeBytes:      cfg.Public.MaxAttachmentBytes,
			AllowedImageMimes: cfg.Public.AllowedImageMimes,
			AllowedVideoMimes: cfg.Public.AllowedVideoMimes,
		},
	})

	phraseCache := phrases.NewCache(apiClient)
	phraseCache.StartBackgroundRefresh(ctx, phraseRefreshInterval)

	return &Dependencies{
		API:        apiClient,
		Subscriber: subscriber,
		Previews:   previews,
		Phrases:    phraseCache,
		Sessions:   sessions,
		Public:     cfg.Public,
		CancelFunc: cancel,
	}, nil
}

// Close stops the open session and background refreshes.
func (d *Dependencies) Close() {
	d.Sessions.Close()
	d.CancelFunc()
}
