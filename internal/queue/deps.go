package queue

import (
	"context"

	"github.com/dunamismax/genflow/internal/preview"
)

// Connectivity reports whether the remote document store should be used.
type Connectivity interface {
	Online(ctx context.Context) bool
}

type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool {
	return f(ctx)
}

// Static is a fixed connectivity answer.
type Static bool

func (s Static) Online(context.Context) bool {
	return bool(s)
}

// ObjectStore receives uploaded inputs and generated results.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, key, contentType string) (string, error)
}

// InputFetcher resolves a remote input reference to bytes and a MIME type.
type InputFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Previewer renders thumbnails for byte inputs.
type Previewer interface {
	Create(ctx context.Context, jobID string, index int, data []byte) (*preview.Handle, error)
	Cleanup(jobID string)
}
