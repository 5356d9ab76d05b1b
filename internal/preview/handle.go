package preview

import (
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/dunamismax/genflow/internal/domain"
)

// Handle owns one thumbnail file on disk. Release removes it exactly once;
// later calls return the first result.
type Handle struct {
	path   string
	width  int
	height int

	once     sync.Once
	err      error
	released chan struct{}
}

func newHandle(path string, width, height int) *Handle {
	return &Handle{path: path, width: width, height: height, released: make(chan struct{})}
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) Thumbnail() domain.Thumbnail {
	return domain.Thumbnail{Path: h.path, Width: h.width, Height: h.height}
}

func (h *Handle) Release() error {
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.err = err
		}
		close(h.released)
	})
	return h.err
}

func (h *Handle) Released() bool {
	select {
	case <-h.released:
		return true
	default:
		return false
	}
}

// ReleaseAll releases every handle and returns the first error.
func ReleaseAll(handles []*Handle) error {
	var first error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
