// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestTagsKey contextKey = "request_tags"
	// archiveKey carries the archive id into goroutines that outlive the request.
	archiveKey contextKey = "archive"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Archive     string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context, or nil outside the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetArchive records which archive the request was resolved against.
func SetArchive(r *http.Request, archive string) {
	if tags := GetTags(r); tags != nil {
		tags.Archive = archive
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// ArchiveFromContext returns the archive id stored by WithArchiveContext,
// falling back to the request tags.
func ArchiveFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(archiveKey).(string); ok && a != "" {
		return a
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Archive
	}
	return ""
}

// WithArchiveContext returns a context carrying the archive id.
func WithArchiveContext(ctx context.Context, archive string) context.Context {
	return context.WithValue(ctx, archiveKey, archive)
}
