// Package metadb indexes scoped-cache responses and archive access metadata
// in a bbolt database.
package metadb

import (
	"errors"
	"net/http"
	"time"

	replaybridge "github.com/wolfeidau/replay-bridge"
)

var (
	// ErrNotFound is returned when a cache, record or metadata entry is missing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for empty cache or archive names.
	ErrInvalidName = errors.New("invalid name")
)

// ResponseRecord is a cached upstream response. The body lives in the
// content-addressed store under BodyHash.
type ResponseRecord struct {
	Key      replaybridge.Hash `json:"key"`
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Header   http.Header       `json:"header,omitempty"`
	BodyHash replaybridge.Hash `json:"body_hash"`
	Size     int64             `json:"size"`
	StoredAt time.Time         `json:"stored_at"`
}

// ArchiveMeta is the persisted form of an archive access metadata entry.
type ArchiveMeta struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Type         string    `json:"type,omitempty"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Created      time.Time `json:"created"`
}
