// Package download deduplicates concurrent archive downloads and streams
// upstream responses to a caller while spooling them for caching.
package download

import (
	"context"
	"errors"
	"log/slog"

	replaybridge "github.com/wolfeidau/replay-bridge"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a download.
type Result struct {
	// Key is where the downloaded bytes were stored.
	Key  string
	Hash replaybridge.Hash
	Size int64
	// Existing is true when nothing was fetched because the key was already present.
	Existing bool
}

// DownloadFunc fetches and stores one resource. The context passed to it is
// detached from any single caller so one caller giving up does not cancel
// the download for the others.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same key using
// singleflight. DoChan lets each caller respect its own deadline.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do runs fn once for all concurrent callers sharing key and reports whether
// the result was shared. A failed download is forgotten so the next caller
// retries; cancellations are not, since other waiters may still succeed.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		res, err := fn(context.WithoutCancel(ctx))
		if err != nil && !isContextErr(err) {
			d.group.Forget(key)
			d.logger.Debug("download failed, key forgotten", "key", key, "error", err)
		}
		return res, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops key so the next caller starts a new download instead of
// joining the one in flight.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
