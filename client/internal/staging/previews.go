package staging

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/itchan-dev/chatsync/shared/domain"
)

// PreviewStore issues and revokes process-local preview URLs.
type PreviewStore interface {
	Create(file *domain.LocalFile) (string, error)
	Revoke(url string)
}

// MemoryPreviews maps opaque blob: URLs to the files they point at. The
// presentation layer resolves a URL with Lookup while it is live.
type MemoryPreviews struct {
	mu      sync.RWMutex
	entries map[string]*domain.LocalFile
}

func NewMemoryPreviews() *MemoryPreviews {
	return &MemoryPreviews{entries: make(map[string]*domain.LocalFile)}
}

func (p *MemoryPreviews) Create(file *domain.LocalFile) (string, error) {
	if file == nil || file.Open == nil {
		return "", fmt.Errorf("preview: file has no source")
	}
	url := "blob:chatsync/" + uuid.NewString()

	p.mu.Lock()
	p.entries[url] = file
	p.mu.Unlock()
	return url, nil
}

func (p *MemoryPreviews) Revoke(url string) {
	p.mu.Lock()
	delete(p.entries, url)
	p.mu.Unlock()
}

func (p *MemoryPreviews) Lookup(url string) (*domain.LocalFile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.entries[url]
	return f, ok
}

// Len is the number of live URLs.
func (p *MemoryPreviews) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
