// Package archivestore keeps downloaded archive packages on a storage
// backend and serves their bytes over HTTP.
//
// Archives live under "<id>/<file>" keys, so the bytes of archive a1 are
// reachable at "<base>/a1/<file>". Files placed directly in the root are
// also listed, with the id taken from the file name.
package archivestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/wolfeidau/replay-bridge/backend"
)

// Extensions are the archive package suffixes recognised by List, longest first.
var Extensions = []string{".warc.gz", ".wacz", ".warc"}

// ErrNotArchive is returned when a file name has no archive extension.
var ErrNotArchive = errors.New("not an archive file")

// Info describes a stored archive package.
type Info struct {
	ID      string    `json:"id"`
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Store manages archive files on a backend.
type Store struct {
	backend backend.WriterBackend
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store on b.
func New(b backend.WriterBackend, opts ...Option) *Store {
	s := &Store{backend: b, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "archivestore")
	return s
}

// ArchiveType returns the archive type for name ("wacz", "warc" or
// "warc.gz"), or "" when name is not an archive.
func ArchiveType(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return ext[1:]
		}
	}
	return ""
}

// Key returns the storage key for file name of archive id.
func Key(id, name string) (string, error) {
	if ArchiveType(name) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotArchive, name)
	}
	return backend.CleanKey(id + "/" + path.Base(name))
}

// List returns all stored archives ordered by key.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	sort.Strings(keys)

	var out []Info
	for _, key := range keys {
		typ := ArchiveType(key)
		if typ == "" {
			continue
		}
		fi, err := s.backend.Stat(ctx, key)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, infoFor(key, typ, fi))
	}
	return out, nil
}

func infoFor(key, typ string, fi backend.Info) Info {
	name := path.Base(key)
	id, _, nested := strings.Cut(key, "/")
	if !nested {
		id = name[:len(name)-len(typ)-1]
	}
	return Info{
		ID:      id,
		Key:     key,
		Name:    name,
		Type:    typ,
		Size:    fi.Size,
		ModTime: fi.ModTime,
	}
}

// Stat returns the archive stored at key.
func (s *Store) Stat(ctx context.Context, key string) (Info, error) {
	typ := ArchiveType(key)
	if typ == "" {
		return Info{}, fmt.Errorf("%w: %s", ErrNotArchive, key)
	}
	fi, err := s.backend.Stat(ctx, key)
	if err != nil {
		return Info{}, err
	}
	return infoFor(key, typ, fi), nil
}

// Find returns the first archive stored for id.
func (s *Store) Find(ctx context.Context, id string) (Info, error) {
	archives, err := s.List(ctx)
	if err != nil {
		return Info{}, err
	}
	for _, a := range archives {
		if a.ID == id {
			return a, nil
		}
	}
	return Info{}, fmt.Errorf("archive %s: %w", id, backend.ErrNotFound)
}

// Put stores r as file name of archive id.
func (s *Store) Put(ctx context.Context, id, name string, r io.Reader) (Info, error) {
	key, err := Key(id, name)
	if err != nil {
		return Info{}, err
	}
	if err := s.backend.Write(ctx, key, r); err != nil {
		return Info{}, fmt.Errorf("writing %s: %w", key, err)
	}
	s.logger.Debug("stored archive", "archive", id, "key", key)
	return s.Stat(ctx, key)
}

// Writer returns a writer for file name of archive id. Nothing is visible
// until Close returns nil; Abort discards the partial file.
func (s *Store) Writer(ctx context.Context, id, name string) (io.WriteCloser, string, error) {
	key, err := Key(id, name)
	if err != nil {
		return nil, "", err
	}
	w, err := s.backend.Writer(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return w, key, nil
}

// Open returns the bytes stored at key.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Read(ctx, key)
}

// Exists reports whether key is stored.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, key)
}

// Delete removes every file of archive id.
func (s *Store) Delete(ctx context.Context, id string) error {
	key, err := backend.CleanKey(id)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting archive %s: %w", id, err)
	}
	return nil
}
