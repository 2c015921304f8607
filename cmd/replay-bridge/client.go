package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/bridge"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/perf"
)

// ClientFlags locate a running worker.
type ClientFlags struct {
	Server      string        `help:"Base URL of the running server." default:"http://localhost:3333" env:"REPLAY_BRIDGE_SERVER"`
	Token       string        `help:"Bearer token for the control endpoint (default from --credentials)." env:"REPLAY_BRIDGE_TOKEN"`
	Candidates  []string      `help:"Control endpoint paths tried in order." default:"/bridge,/api/bridge,/replay/bridge"`
	Constrained bool          `help:"Use the constrained timing profile (short timeouts, backoff between attempts)."`
	Timeout     time.Duration `help:"Request timeout." default:"10s"`
}

func (f ClientFlags) client(ctx context.Context, g *Globals) (*bridge.Client, error) {
	token := f.Token
	if token == "" {
		creds, err := g.LoadCredentials(ctx)
		if err != nil {
			return nil, err
		}
		if creds != nil {
			token = creds.AuthToken
		}
	}

	candidates := make([]bridge.Candidate, 0, len(f.Candidates))
	for _, p := range f.Candidates {
		candidates = append(candidates, bridge.Candidate{Path: p, Scope: "/"})
	}
	opts := []bridge.Option{
		bridge.WithCandidates(candidates...),
		bridge.WithOrigin(f.Server),
		bridge.WithRequestTimeout(f.Timeout),
		bridge.WithLogger(g.Logger),
	}
	if f.Constrained {
		opts = append(opts, bridge.WithProfile(bridge.ProfileConstrained))
	}
	return bridge.New(bridge.NewHTTPRegistrar(f.Server, token), opts...), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RegisterCmd registers an archive with a running worker. When the worker
// cannot be reached the direct source URL is printed with fallback set,
// so the archive can still be loaded without the worker.
type RegisterCmd struct {
	ClientFlags `embed:""`

	ID       string `arg:"" help:"Archive id."`
	URL      string `arg:"" help:"URL the archive is fetched from."`
	Size     int64  `help:"Archive size in bytes, when known."`
	Optimize bool   `help:"Add loading hints for the archive size to the URL."`
	Fallback bool   `help:"Print the direct source URL when the worker is unavailable." default:"true" negatable:""`

	Policy PolicyFlags `embed:"" prefix:"policy-"`
}

func (c *RegisterCmd) Run(ctx context.Context, g *Globals) error {
	client, err := c.client(ctx, g)
	if err != nil {
		return err
	}
	defer client.Close()

	sourceURL := c.URL
	if c.Optimize {
		sourceURL = c.Policy.Policy().OptimizeURL(sourceURL, &perf.Archive{Name: c.ID, Size: c.Size, URL: c.URL})
	}

	reply, err := c.register(ctx, client, sourceURL)
	if err != nil {
		if !c.Fallback {
			return err
		}
		g.Logger.Warn("worker unavailable, loading directly", "archive", c.ID, "kind", replaybridge.KindOf(err), "error", err)
		return printJSON(g.Out, map[string]any{
			"archiveId": c.ID,
			"sourceUrl": sourceURL,
			"replayUrl": sourceURL,
			"fallback":  true,
			"error":     err.Error(),
		})
	}
	return printJSON(g.Out, map[string]any{
		"archiveId": reply.ArchiveID,
		"sourceUrl": sourceURL,
		"replayUrl": client.CreateArchiveURL(reply.ArchiveID, ""),
	})
}

func (c *RegisterCmd) register(ctx context.Context, client *bridge.Client, sourceURL string) (*message.Reply, error) {
	if _, err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	if !client.IsActive(ctx) {
		return nil, fmt.Errorf("worker at %s did not answer ping: %w", c.Server, replaybridge.ErrTimeout)
	}
	return client.RegisterArchive(ctx, c.ID, sourceURL, c.Size)
}

// UnregisterCmd removes an archive from a running worker.
type UnregisterCmd struct {
	ClientFlags `embed:""`

	ID string `arg:"" help:"Archive id."`
}

func (c *UnregisterCmd) Run(ctx context.Context, g *Globals) error {
	client, err := c.client(ctx, g)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.UnregisterArchive(ctx, c.ID)
	if err != nil {
		return err
	}
	return printJSON(g.Out, map[string]any{
		"archiveId": reply.ArchiveID,
		"success":   reply.Success,
	})
}

// PingCmd checks a running worker.
type PingCmd struct {
	ClientFlags `embed:""`
}

func (c *PingCmd) Run(ctx context.Context, g *Globals) error {
	client, err := c.client(ctx, g)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Initialize(ctx); err != nil {
		return err
	}
	if !client.IsActive(ctx) {
		return fmt.Errorf("worker at %s is not active", c.Server)
	}
	_, err = fmt.Fprintf(g.Out, "worker at %s is active\n", c.Server)
	return err
}

// URLCmd prints the replay URL for an archive path.
type URLCmd struct {
	Origin string `help:"Origin of the replay URL." default:"http://localhost:3333" env:"REPLAY_BRIDGE_SERVER"`
	ID     string `arg:"" help:"Archive id."`
	Path   string `arg:"" optional:"" help:"Path inside the archive."`
}

func (c *URLCmd) Run(g *Globals) error {
	_, err := fmt.Fprintln(g.Out, bridge.ArchiveURL(c.Origin, c.ID, c.Path))
	return err
}
