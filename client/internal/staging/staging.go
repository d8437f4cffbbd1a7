// Package staging owns locally selected files and their preview URLs from
// the moment they are picked until their message leaves the pending state.
package staging

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/logger"
	"github.com/itchan-dev/chatsync/shared/metrics"
	"github.com/itchan-dev/chatsync/shared/utils"
	"github.com/itchan-dev/chatsync/shared/validation"
)

var ErrClosed = errors.New("staging area closed")

// Area tracks two sets of previews: staged (selected, not yet sent) and
// in flight (handed to an optimistic message). Every preview URL it
// creates is revoked exactly once, by Unstage, Release or Close.
type Area struct {
	previews PreviewStore
	rules    validation.AttachmentRules

	mu     sync.Mutex
	staged domain.Attachments
	live   map[domain.LocalId]string // localId -> preview URL, staged and in flight
	closed bool
}

func New(previews PreviewStore, rules validation.AttachmentRules) *Area {
	return &Area{
		previews: previews,
		rules:    rules,
		live:     make(map[domain.LocalId]string),
	}
}

// Stage validates files against the attachment rules and adds them to the
// staged set. Nothing is staged if any file is rejected.
func (a *Area) Stage(files ...*domain.LocalFile) (domain.Attachments, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if err := validation.ValidateFiles(files, len(a.staged), a.rules); err != nil {
		return nil, err
	}
	atts, err := a.createLocked(files)
	if err != nil {
		return nil, err
	}
	a.staged = append(a.staged, atts...)
	return cloneAttachments(atts), nil
}

// Prepare creates previews for files that go straight into a new message,
// bypassing the staged set. The caller owns the previews until Release.
func (a *Area) Prepare(files ...*domain.LocalFile) (domain.Attachments, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if err := validation.ValidateFiles(files, 0, a.rules); err != nil {
		return nil, err
	}
	return a.createLocked(files)
}

func (a *Area) createLocked(files []*domain.LocalFile) (domain.Attachments, error) {
	atts := make(domain.Attachments, 0, len(files))
	for _, f := range files {
		url, err := a.previews.Create(f)
		if err != nil {
			for _, created := range atts {
				a.revokeLocked(created.LocalId)
			}
			return nil, fmt.Errorf("create preview for %s: %w", f.Filename, err)
		}
		metrics.PreviewCreated()

		att := domain.Attachment{
			FileCommonMetadata: f.FileCommonMetadata,
			LocalId:            utils.NewLocalId(),
			Source:             f,
			LocalPreviewURL:    url,
		}
		a.live[att.LocalId] = url
		atts = append(atts, att)
	}
	return atts, nil
}

// Unstage drops a staged attachment and revokes its preview. Unknown or
// already unstaged ids are a no-op.
func (a *Area) Unstage(localId domain.LocalId) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, att := range a.staged {
		if att.LocalId == localId {
			a.staged = append(a.staged[:i], a.staged[i+1:]...)
			a.revokeLocked(localId)
			return
		}
	}
}

// Staged returns a copy of the staged set in selection order.
func (a *Area) Staged() domain.Attachments {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneAttachments(a.staged)
}

// Handoff empties the staged set and returns it. The previews stay live
// until the message they were handed to is released.
func (a *Area) Handoff() domain.Attachments {
	a.mu.Lock()
	defer a.mu.Unlock()

	atts := a.staged
	a.staged = nil
	return atts
}

// Release revokes the previews of in-flight attachments. Ids already
// released are ignored.
func (a *Area) Release(localIds ...domain.LocalId) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range localIds {
		a.revokeLocked(id)
	}
}

// Close revokes every preview still outstanding, staged or in flight.
// Safe to call more than once.
func (a *Area) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	for id := range a.live {
		a.revokeLocked(id)
	}
	a.staged = nil
}

// Outstanding is the number of previews not yet revoked.
func (a *Area) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func (a *Area) revokeLocked(localId domain.LocalId) {
	url, ok := a.live[localId]
	if !ok {
		return
	}
	delete(a.live, localId)
	a.previews.Revoke(url)
	metrics.PreviewRevoked()
	logger.Log.Debug("preview revoked", "local_id", localId)
}

func cloneAttachments(atts domain.Attachments) domain.Attachments {
	if atts == nil {
		return nil
	}
	out := make(domain.Attachments, len(atts))
	copy(out, atts)
	return out
}

// FromPath describes a file on disk, detecting its MIME type and, for
// images, its dimensions.
func FromPath(path string) (*domain.LocalFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	sniff := make([]byte, 512)
	n, _ := io.ReadFull(file, sniff)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	mimeType, err := validation.DetectMimeType(name, http.DetectContentType(sniff[:n]))
	if err != nil {
		return nil, err
	}
	width, height := validation.ExtractImageDimensions(file, mimeType)

	return domain.LocalFileFromPath(path, domain.FileCommonMetadata{
		Filename:    name,
		SizeBytes:   info.Size(),
		MimeType:    mimeType,
		ImageWidth:  width,
		ImageHeight: height,
	}), nil
}
