package main

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/replay-bridge/server"
)

// ServeCmd runs the worker and HTTP server.
type ServeCmd struct {
	Address           string        `help:"Address to listen on." default:":3333" env:"REPLAY_BRIDGE_ADDRESS"`
	PublicURL         string        `help:"Origin clients reach the server at (default http://localhost:<port>)." env:"REPLAY_BRIDGE_PUBLIC_URL"`
	DataDir           string        `help:"Data directory." default:"./data" type:"path" env:"REPLAY_BRIDGE_DATA_DIR"`
	ArchiveBaseURL    string        `help:"Root archive paths are fetched from on a cache miss (default <public-url>/archives)."`
	PassthroughOrigin string        `help:"Origin for requests that are not archive scoped."`
	CacheVersion      string        `help:"Scoped cache scheme version; older caches are deleted on activation."`
	RegisterExisting  bool          `help:"Register every stored archive at startup."`
	MetadataSize      int           `help:"Archive metadata entries kept in memory." default:"${metadata_size}"`
	MemoryThreshold   uint64        `help:"Heap size in bytes that triggers a cleanup." default:"${memory_threshold}"`
	CheckInterval     time.Duration `help:"How often heap usage is sampled." default:"${check_interval}"`
	OTLPEndpoint      string        `help:"OTLP gRPC endpoint for metrics." name:"otlp-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus        bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`

	Policy PolicyFlags `embed:"" prefix:"policy-"`
}

// Run serves until ctx is cancelled.
func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	creds, err := g.LoadCredentials(ctx)
	if err != nil {
		return err
	}

	flush := initMetrics(ctx, c.OTLPEndpoint, c.Prometheus, g.Logger)
	defer flush()

	srv, err := server.New(server.Config{
		Address:             c.Address,
		PublicURL:           c.PublicURL,
		DataDir:             c.DataDir,
		ArchiveBaseURL:      c.ArchiveBaseURL,
		PassthroughOrigin:   c.PassthroughOrigin,
		Credentials:         creds,
		CacheVersion:        c.CacheVersion,
		Policy:              c.Policy.Policy(),
		MetadataCapacity:    c.MetadataSize,
		MemoryThreshold:     c.MemoryThreshold,
		MemoryCheckInterval: c.CheckInterval,
		RegisterExisting:    c.RegisterExisting,
		Logger:              g.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		g.Logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = srv.Close()
		return err
	}
}
