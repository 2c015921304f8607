// Package store holds cached response bodies, addressed by their BLAKE3
// hash so identical bodies cached for different archives share storage.
package store

import (
	"context"
	"io"

	replaybridge "github.com/wolfeidau/replay-bridge"
)

// Store provides content-addressable storage operations.
type Store interface {
	// Put stores content and returns the result. Storing content that is
	// already present is a no-op reported through PutResult.Exists.
	Put(ctx context.Context, r io.Reader) (*PutResult, error)

	// Get retrieves content by its hash.
	// Returns backend.ErrNotFound if the hash does not exist.
	Get(ctx context.Context, h replaybridge.Hash) (io.ReadCloser, error)

	// Has checks if content with the given hash exists.
	Has(ctx context.Context, h replaybridge.Hash) (bool, error)

	// Delete removes content by its hash. Missing content is not an error.
	Delete(ctx context.Context, h replaybridge.Hash) error
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash   replaybridge.Hash
	Size   int64
	Exists bool // true if the content already existed
}
