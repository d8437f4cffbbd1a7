package validation

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"

	"github.com/itchan-dev/chatsync/shared/domain"
)

// AttachmentRules bounds what may be staged for one message.
type AttachmentRules struct {
	MaxCount          int
	MaxSizeBytes      int64
	AllowedImageMimes []string
	AllowedVideoMimes []string
}

// ValidateFiles checks a batch of files against rules. alreadyStaged is the
// number of files staged before this batch. Empty allow-lists allow any type.
func ValidateFiles(files []*domain.LocalFile, alreadyStaged int, rules AttachmentRules) error {
	if len(files) == 0 {
		return nil
	}
	if rules.MaxCount > 0 && alreadyStaged+len(files) > rules.MaxCount {
		return fmt.Errorf("%w: %d staged, limit %d", ErrTooManyAttachments, alreadyStaged+len(files), rules.MaxCount)
	}

	allowedMimes := BuildAllowedMimeMap(rules.AllowedImageMimes, rules.AllowedVideoMimes)

	for _, f := range files {
		if rules.MaxSizeBytes > 0 && f.SizeBytes > rules.MaxSizeBytes {
			return fmt.Errorf("%w: %s is %.1f MB, limit %.1f MB", ErrPayloadTooLarge,
				f.Filename, FormatSizeMB(f.SizeBytes), FormatSizeMB(rules.MaxSizeBytes))
		}
		if len(allowedMimes) > 0 && !allowedMimes[f.MimeType] {
			return fmt.Errorf("%w: %s (file: %s)", ErrInvalidMimeType, f.MimeType, f.Filename)
		}
	}
	return nil
}

func BuildAllowedMimeMap(imageMimes, videoMimes []string) map[string]bool {
	allowedMimes := make(map[string]bool)
	for _, m := range imageMimes {
		allowedMimes[m] = true
	}
	for _, m := range videoMimes {
		allowedMimes[m] = true
	}
	return allowedMimes
}

// DetectMimeType prefers the declared type and falls back to the extension.
func DetectMimeType(filename, declared string) (string, error) {
	mimeType := declared

	if mimeType == "" || mimeType == "application/octet-stream" {
		if detected := mime.TypeByExtension(filepath.Ext(filename)); detected != "" {
			mimeType = detected
		}
	}
	// TypeByExtension may append parameters ("text/plain; charset=utf-8")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	if mimeType == "" {
		return "", fmt.Errorf("could not detect MIME type for file: %s", filename)
	}
	return mimeType, nil
}

// ExtractImageDimensions decodes only the image header. Non-images and
// undecodable images yield nil dimensions; the reader is rewound either way.
func ExtractImageDimensions(file io.ReadSeeker, mimeType string) (*int, *int) {
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, nil
	}

	cfg, _, err := image.DecodeConfig(file)
	file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, nil
	}

	width, height := cfg.Width, cfg.Height
	return &width, &height
}
