package correlation

import (
	"context"
	"sync"
)

// Handle is a future for one registered entry. It completes exactly once,
// when the entry reaches a terminal state.
type Handle struct {
	id   string
	ch   chan struct{}
	once sync.Once

	mu    sync.Mutex
	entry Entry
}

func newHandle(id string) *Handle {
	return &Handle{id: id, ch: make(chan struct{})}
}

// ID returns the correlation id the handle tracks.
func (h *Handle) ID() string { return h.id }

func (h *Handle) complete(e Entry) {
	h.once.Do(func() {
		h.mu.Lock()
		h.entry = e
		h.mu.Unlock()
		close(h.ch)
	})
}

// Done is closed once the entry is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.ch
}

// Wait blocks until the entry is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Entry, error) {
	select {
	case <-h.ch:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.entry, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}
