package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replay-bridge/perf"
	"github.com/wolfeidau/replay-bridge/server"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := newParser(&cli, kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)

	var out bytes.Buffer
	g := &Globals{Logger: slog.New(slog.DiscardHandler), Out: &out, creds: cli.Credentials}
	kctx.BindTo(t.Context(), (*context.Context)(nil))
	err = kctx.Run(g)
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "archive", "a1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "a1", line["archive"])

	buf.Reset()
	logger, err = newLogger(&buf, "debug", "text")
	require.NoError(t, err)
	logger.Debug("plain")
	require.Contains(t, buf.String(), "plain")
	require.NotContains(t, buf.String(), "\x1b[", "no colour off a terminal")

	_, err = newLogger(&buf, "loud", "text")
	require.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	require.Error(t, err)
}

func TestSourceURL(t *testing.T) {
	src, file, err := sourceURL("https://example.com/a.wacz")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a.wacz", src)
	require.Nil(t, file)

	src, file, err = sourceURL("file:///data/a.wacz")
	require.NoError(t, err)
	require.Equal(t, "file:///data/a.wacz", src)
	require.Equal(t, "/data/a.wacz", file.Path())

	src, file, err = sourceURL("proxy:example.com")
	require.NoError(t, err)
	require.Equal(t, "proxy:example.com", src)
	require.Nil(t, file)

	dir := t.TempDir()
	p := filepath.Join(dir, "a.wacz")
	src, file, err = sourceURL(p)
	require.NoError(t, err)
	require.Equal(t, "file://"+p, src)
	require.Equal(t, p, file.Path())
}

func TestLocalFile_RequestPermission(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.wacz")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

	ok, err := localFile(p).RequestPermission(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = localFile(p + ".missing").RequestPermission(t.Context())
	require.Error(t, err)
}

func TestPolicyFlagDefaults(t *testing.T) {
	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"load", "c1", "https://example.com/a.wacz"})
	require.NoError(t, err)
	require.Equal(t, perf.DefaultPolicy(), cli.Load.Policy.Policy())
}

func TestConfigFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "replay-bridge.yaml")
	require.NoError(t, os.WriteFile(p, []byte("address: 127.0.0.1:4444\npolicy:\n  chunk_size: 1024\n"), 0o600))

	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"--config", p, "serve"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4444", cli.Serve.Address)
	require.EqualValues(t, 1024, cli.Serve.Policy.ChunkSize)
}

func TestURLCommand(t *testing.T) {
	out, err := run(t, "url", "--origin", "https://replay.example.com/app", "a1", "page.html")
	require.NoError(t, err)
	require.Equal(t, "https://replay.example.com/?waczArchive=a1&path=page.html\n", out)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Equal(t, version+"\n", out)
}

func TestLoadCommand(t *testing.T) {
	data := bytes.Repeat([]byte("wacz"), 100)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.wacz", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	out, err := run(t, "load", "--data-dir", dir, "--interval", "5ms", "c1", upstream.URL+"/a.wacz")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out, "c1: loaded c1/a.wacz (400 B)\n"), out)

	srv, err := server.New(server.Config{DataDir: dir, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	defer srv.Close()
	info, err := srv.Archives().Find(t.Context(), "c1")
	require.NoError(t, err)
	require.EqualValues(t, len(data), info.Size)
}

func TestLoadCommand_MissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "load", "--data-dir", dir, "--interval", "5ms", "c1", filepath.Join(dir, "missing.wacz"))
	require.ErrorContains(t, err, "missing_local_file")
}

func TestRemoteCommands(t *testing.T) {
	srv, err := server.New(server.Config{DataDir: t.TempDir(), Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Init(t.Context()))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	out, err := run(t, "ping", "--server", ts.URL)
	require.NoError(t, err)
	require.Contains(t, out, "is active")

	out, err = run(t, "register", "--server", ts.URL, "--size", "100", "--optimize", "a1", "https://example.com/a1.wacz")
	require.NoError(t, err)
	var reg map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &reg))
	require.Equal(t, "a1", reg["archiveId"])
	require.Equal(t, "https://example.com/a1.wacz?cache=true", reg["sourceUrl"])
	require.Equal(t, ts.URL+"/?waczArchive=a1", reg["replayUrl"])

	out, err = run(t, "unregister", "--server", ts.URL, "a1")
	require.NoError(t, err)
	require.Contains(t, out, `"success": true`)

	_, err = run(t, "register", "--server", ts.URL, "--candidates", "/nowhere", "--no-fallback", "a2", "https://example.com/a2.wacz")
	require.Error(t, err)
}

func TestRegisterCommand_Fallback(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	unreachable := ts.URL
	ts.Close()

	out, err := run(t, "register", "--server", unreachable, "--size", "100", "--optimize", "a1", "https://example.com/a1.wacz")
	require.NoError(t, err)

	var reg map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &reg))
	require.Equal(t, true, reg["fallback"])
	require.Equal(t, "a1", reg["archiveId"])
	require.Equal(t, "https://example.com/a1.wacz?cache=true", reg["replayUrl"])
	require.Contains(t, reg["error"], "registration failed")
}
