package staging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPreviews records every create and revoke per URL.
type countingPreviews struct {
	mu        sync.Mutex
	next      int
	created   []string
	revoked   map[string]int
	CreateErr func(f *domain.LocalFile) error
}

func newCountingPreviews() *countingPreviews {
	return &countingPreviews{revoked: make(map[string]int)}
}

func (c *countingPreviews) Create(f *domain.LocalFile) (string, error) {
	if c.CreateErr != nil {
		if err := c.CreateErr(f); err != nil {
			return "", err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	url := fmt.Sprintf("blob:test/%d", c.next)
	c.created = append(c.created, url)
	return url, nil
}

func (c *countingPreviews) Revoke(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[url]++
}

// assertEachRevokedOnce checks that every created URL was revoked exactly once.
func (c *countingPreviews) assertEachRevokedOnce(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, url := range c.created {
		assert.Equal(t, 1, c.revoked[url], "revocations of %s", url)
	}
	assert.Len(t, c.revoked, len(c.created), "revoked a URL that was never created")
}

func file(name, mimeType string, size int64) *domain.LocalFile {
	return &domain.LocalFile{
		FileCommonMetadata: domain.FileCommonMetadata{Filename: name, MimeType: mimeType, SizeBytes: size},
		Open:               func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(nil)), nil },
	}
}

var rules = validation.AttachmentRules{
	MaxCount:          3,
	MaxSizeBytes:      1 << 20,
	AllowedImageMimes: []string{"image/png", "image/jpeg"},
	AllowedVideoMimes: []string{"video/mp4"},
}

func TestStage(t *testing.T) {
	t.Run("allocates ids and previews", func(t *testing.T) {
		previews := newCountingPreviews()
		area := New(previews, rules)

		atts, err := area.Stage(file("a.png", "image/png", 10), file("b.mp4", "video/mp4", 20))
		require.NoError(t, err)
		require.Len(t, atts, 2)

		assert.NotEmpty(t, atts[0].LocalId)
		assert.NotEqual(t, atts[0].LocalId, atts[1].LocalId)
		assert.NotEmpty(t, atts[0].LocalPreviewURL)
		assert.Equal(t, "b.mp4", atts[1].Filename)
		assert.NotNil(t, atts[1].Source)
		assert.Equal(t, 2, area.Outstanding())
		assert.Len(t, area.Staged(), 2)
	})

	t.Run("rejects invalid batch atomically", func(t *testing.T) {
		tests := []struct {
			name    string
			files   []*domain.LocalFile
			wantErr error
		}{
			{"mime", []*domain.LocalFile{file("a.png", "image/png", 1), file("x.pdf", "application/pdf", 1)}, validation.ErrInvalidMimeType},
			{"size", []*domain.LocalFile{file("big.png", "image/png", 2 << 20)}, validation.ErrPayloadTooLarge},
			{"count", []*domain.LocalFile{file("1.png", "image/png", 1), file("2.png", "image/png", 1), file("3.png", "image/png", 1), file("4.png", "image/png", 1)}, validation.ErrTooManyAttachments},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				previews := newCountingPreviews()
				area := New(previews, rules)

				_, err := area.Stage(tt.files...)
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, area.Staged())
				assert.Empty(t, previews.created)
			})
		}
	})

	t.Run("count limit includes already staged", func(t *testing.T) {
		area := New(newCountingPreviews(), rules)
		_, err := area.Stage(file("1.png", "image/png", 1), file("2.png", "image/png", 1))
		require.NoError(t, err)

		_, err = area.Stage(file("3.png", "image/png", 1), file("4.png", "image/png", 1))
		require.ErrorIs(t, err, validation.ErrTooManyAttachments)
		assert.Len(t, area.Staged(), 2)
	})

	t.Run("preview failure revokes the partial batch", func(t *testing.T) {
		previews := newCountingPreviews()
		previews.CreateErr = func(f *domain.LocalFile) error {
			if f.Filename == "bad.png" {
				return errors.New("no memory")
			}
			return nil
		}
		area := New(previews, rules)

		_, err := area.Stage(file("ok.png", "image/png", 1), file("bad.png", "image/png", 1))
		require.Error(t, err)
		assert.Zero(t, area.Outstanding())
		previews.assertEachRevokedOnce(t)
	})
}

func TestUnstageIsIdempotent(t *testing.T) {
	previews := newCountingPreviews()
	area := New(previews, rules)

	atts, err := area.Stage(file("a.png", "image/png", 1), file("b.png", "image/png", 1))
	require.NoError(t, err)

	area.Unstage(atts[0].LocalId)
	area.Unstage(atts[0].LocalId)
	area.Unstage("att-unknown")

	staged := area.Staged()
	require.Len(t, staged, 1)
	assert.Equal(t, atts[1].LocalId, staged[0].LocalId)
	assert.Equal(t, 1, previews.revoked[atts[0].LocalPreviewURL])
	assert.Zero(t, previews.revoked[atts[1].LocalPreviewURL])
}

func TestHandoffAndRelease(t *testing.T) {
	previews := newCountingPreviews()
	area := New(previews, rules)

	atts, err := area.Stage(file("a.png", "image/png", 1))
	require.NoError(t, err)

	inFlight := area.Handoff()
	require.Len(t, inFlight, 1)
	assert.Empty(t, area.Staged())
	assert.Equal(t, 1, area.Outstanding(), "handoff keeps the preview live")

	// unstage no longer applies once handed off
	area.Unstage(atts[0].LocalId)
	assert.Equal(t, 1, area.Outstanding())

	area.Release(domain.LocalIds(inFlight)...)
	area.Release(domain.LocalIds(inFlight)...)
	assert.Zero(t, area.Outstanding())
	previews.assertEachRevokedOnce(t)
}

func TestPrepare(t *testing.T) {
	previews := newCountingPreviews()
	area := New(previews, rules)
	_, err := area.Stage(file("staged.png", "image/png", 1))
	require.NoError(t, err)

	atts, err := area.Prepare(file("retry.png", "image/png", 1))
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Len(t, area.Staged(), 1, "prepared files never join the staged set")
	assert.Equal(t, 2, area.Outstanding())

	area.Release(atts[0].LocalId)
	assert.Equal(t, 1, area.Outstanding())
}

// Every preview ever created is revoked exactly once by the end of the
// area's life, whatever mix of unstage, release and close got it there.
func TestNoDanglingPreviews(t *testing.T) {
	previews := newCountingPreviews()
	area := New(previews, rules)

	first, err := area.Stage(file("1.png", "image/png", 1), file("2.png", "image/png", 1))
	require.NoError(t, err)
	area.Unstage(first[0].LocalId)

	sent := area.Handoff()
	area.Release(domain.LocalIds(sent)...)

	_, err = area.Stage(file("3.png", "image/png", 1))
	require.NoError(t, err)
	inFlight := area.Handoff()
	_, err = area.Stage(file("4.png", "image/png", 1))
	require.NoError(t, err)
	_, err = area.Prepare(file("5.png", "image/png", 1))
	require.NoError(t, err)

	area.Close()
	area.Close()
	// a late result for a message sent before close
	area.Release(domain.LocalIds(inFlight)...)

	assert.Len(t, previews.created, 5)
	previews.assertEachRevokedOnce(t)
	assert.Zero(t, area.Outstanding())

	_, err = area.Stage(file("6.png", "image/png", 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryPreviews(t *testing.T) {
	previews := NewMemoryPreviews()
	f := file("a.png", "image/png", 1)

	url, err := previews.Create(f)
	require.NoError(t, err)
	got, ok := previews.Lookup(url)
	require.True(t, ok)
	assert.Same(t, f, got)

	previews.Revoke(url)
	_, ok = previews.Lookup(url)
	assert.False(t, ok)
	assert.Zero(t, previews.Len())

	_, err = previews.Create(&domain.LocalFile{})
	assert.Error(t, err)
}

func TestFromPath(t *testing.T) {
	dir := t.TempDir()

	t.Run("png with dimensions", func(t *testing.T) {
		path := filepath.Join(dir, "pic.png")
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

		f, err := FromPath(path)
		require.NoError(t, err)
		assert.Equal(t, "pic.png", f.Filename)
		assert.Equal(t, "image/png", f.MimeType)
		assert.Equal(t, int64(buf.Len()), f.SizeBytes)
		require.NotNil(t, f.ImageWidth)
		assert.Equal(t, 4, *f.ImageWidth)
		assert.Equal(t, 3, *f.ImageHeight)

		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, buf.Bytes(), data)
	})

	t.Run("text file", func(t *testing.T) {
		path := filepath.Join(dir, "notes.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

		f, err := FromPath(path)
		require.NoError(t, err)
		assert.Equal(t, "text/plain", f.MimeType)
		assert.Nil(t, f.ImageWidth)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := FromPath(filepath.Join(dir, "nope"))
		assert.Error(t, err)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := FromPath(dir)
		assert.Error(t, err)
	})
}
