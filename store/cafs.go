package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/backend"
)

// blobPrefix is the prefix for blob storage keys.
const blobPrefix = "blobs"

// CAFS implements content-addressable file storage.
// Content is stored in a sharded directory structure based on hash.
type CAFS struct {
	backend backend.Backend
	tempDir string
}

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithTempDir sets the directory used to spool uploads before hashing.
func WithTempDir(dir string) CAFSOption {
	return func(c *CAFS) {
		c.tempDir = dir
	}
}

// NewCAFS creates a new content-addressable file store.
func NewCAFS(b backend.Backend, opts ...CAFSOption) *CAFS {
	c := &CAFS{backend: b}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores content and returns its hash and size.
// The content is spooled to a temp file so large bodies never sit in memory.
func (c *CAFS) Put(ctx context.Context, r io.Reader) (*PutResult, error) {
	tmpFile, err := os.CreateTemp(c.tempDir, "cafs-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hr := replaybridge.NewHashingReader(r)
	if _, err := io.Copy(tmpFile, hr); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	result := &PutResult{Hash: hr.Sum(), Size: hr.BytesRead()}
	key := hashToKey(result.Hash)

	exists, err := c.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		result.Exists = true
		return result, nil
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}
	if err := c.backend.Write(ctx, key, tmpFile); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}
	return result, nil
}

// Get retrieves content by its hash.
func (c *CAFS) Get(ctx context.Context, h replaybridge.Hash) (io.ReadCloser, error) {
	rc, err := c.backend.Read(ctx, hashToKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// Has checks if content with the given hash exists.
func (c *CAFS) Has(ctx context.Context, h replaybridge.Hash) (bool, error) {
	return c.backend.Exists(ctx, hashToKey(h))
}

// Delete removes content by its hash.
func (c *CAFS) Delete(ctx context.Context, h replaybridge.Hash) error {
	return c.backend.Delete(ctx, hashToKey(h))
}

// Size returns the size of content with the given hash.
func (c *CAFS) Size(ctx context.Context, h replaybridge.Hash) (int64, error) {
	info, err := c.backend.Stat(ctx, hashToKey(h))
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// List returns all hashes in the store.
func (c *CAFS) List(ctx context.Context) ([]replaybridge.Hash, error) {
	keys, err := c.backend.List(ctx, blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	hashes := make([]replaybridge.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := keyToHash(key)
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// hashToKey converts a hash to a storage key.
// Format: blobs/{first-byte-hex}/{full-hash-hex}
func hashToKey(h replaybridge.Hash) string {
	hex := h.String()
	return fmt.Sprintf("%s/%s/%s", blobPrefix, hex[:2], hex)
}

func keyToHash(key string) (replaybridge.Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobPrefix {
		return replaybridge.Hash{}, fmt.Errorf("invalid key format: %s", key)
	}
	return replaybridge.ParseHash(parts[2])
}

var _ Store = (*CAFS)(nil)
