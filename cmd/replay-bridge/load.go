package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/replay-bridge/loader"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/server"
)

// LoadCmd loads one archive into the data directory, printing progress.
// The data directory must not be in use by a running server.
type LoadCmd struct {
	DataDir   string        `help:"Data directory." default:"./data" type:"path" env:"REPLAY_BRIDGE_DATA_DIR"`
	Coll      string        `arg:"" help:"Collection name the archive is stored under."`
	Source    string        `arg:"" help:"Archive URL (http, https, s3) or local file path."`
	Recording bool          `help:"Load as a recording session (proxy sources only)."`
	Reload    bool          `help:"Fetch the archive even when it is already stored."`
	Interval  time.Duration `help:"Progress print interval." default:"500ms"`

	Policy PolicyFlags `embed:"" prefix:"policy-"`
}

// localFile is a file on disk offered to the loader as a picked file.
type localFile string

func (f localFile) Path() string { return string(f) }

// RequestPermission reports whether the file is readable.
func (f localFile) RequestPermission(context.Context) (bool, error) {
	fh, err := os.Open(string(f))
	if errors.Is(err, os.ErrPermission) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = fh.Close()
	return true, nil
}

// picker always picks the same local file.
type picker struct{ file localFile }

func (p picker) Pick(context.Context) (message.FileHandle, error) {
	return p.file, nil
}

// sourceURL turns a bare path into a file URL.
func sourceURL(source string) (string, *localFile, error) {
	if strings.Contains(source, "://") || strings.HasPrefix(source, "proxy:") || strings.HasPrefix(source, "googledrive:") {
		if u, err := url.Parse(source); err == nil && u.Scheme == "file" {
			f := localFile(u.Path)
			return source, &f, nil
		}
		return source, nil, nil
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", nil, err
	}
	f := localFile(abs)
	return "file://" + filepath.ToSlash(abs), &f, nil
}

// Run loads the archive and waits for it to finish.
func (c *LoadCmd) Run(ctx context.Context, g *Globals) error {
	src, file, err := sourceURL(c.Source)
	if err != nil {
		return err
	}
	creds, err := g.LoadCredentials(ctx)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		DataDir:     c.DataDir,
		Credentials: creds,
		Policy:      c.Policy.Policy(),
		Logger:      g.Logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	loads := srv.Loads()
	opts := []loader.Option{loader.WithLogger(g.Logger)}
	if file != nil {
		opts = append(opts, loader.WithFilePicker(picker{file: *file}))
	}
	if c.Recording || c.Reload {
		opts = append(opts, loader.WithLoadInfo(&loader.LoadInfo{
			SourceURL:   src,
			NoCache:     c.Reload,
			ExtraConfig: map[string]any{"recording": c.Recording},
		}))
	}
	session := loader.NewSession(c.Coll, loads, opts...)

	hub := loader.NewHub(g.Logger)
	hub.Add(session)
	go func() { _ = hub.Run(ctx, loads.Messages()) }()

	if c.Reload {
		if err := srv.Archives().Delete(ctx, c.Coll); err != nil {
			g.Logger.Debug("no stored archive to replace", "coll", c.Coll, "error", err)
		}
	}
	if err := session.SetSource(ctx, src); err != nil {
		return err
	}

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case <-ctx.Done():
			_ = session.Cancel(context.Background())
			return ctx.Err()
		case ev := <-session.Events():
			if ev == loader.EventCancelled {
				return errors.New("load cancelled")
			}
			return c.printLoaded(ctx, g, srv)
		case <-ticker.C:
			snap := session.Snapshot()
			if snap.State == loader.StateErrored || snap.State == loader.StatePermissionNeeded {
				return fmt.Errorf("loading %s: %s", c.Coll, snap.Error)
			}
			if line := progressLine(snap); line != last {
				fmt.Fprintln(g.Out, line)
				last = line
			}
		}
	}
}

func progressLine(s loader.Snapshot) string {
	if s.ExtraMsg != "" {
		return fmt.Sprintf("%s: %d%% (%s)", s.Coll, s.Percent, s.ExtraMsg)
	}
	return fmt.Sprintf("%s: %d%%", s.Coll, s.Percent)
}

func (c *LoadCmd) printLoaded(ctx context.Context, g *Globals, srv *server.Server) error {
	info, err := srv.Archives().Find(ctx, c.Coll)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.Out, "%s: loaded %s (%s)\n", c.Coll, info.Key, humanize.Bytes(uint64(info.Size)))
	return err
}
