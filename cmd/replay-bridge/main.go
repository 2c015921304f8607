// Command replay-bridge serves registered web archives to replay clients and
// loads archives into its data directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/config"
	"github.com/wolfeidau/replay-bridge/credentials"
	"github.com/wolfeidau/replay-bridge/perf"
	"github.com/wolfeidau/replay-bridge/telemetry"
)

var version = "dev"

// CLI is the command line of replay-bridge.
type CLI struct {
	Config      kong.ConfigFlag `help:"YAML config file; keys are flag names." env:"REPLAY_BRIDGE_CONFIG"`
	LogLevel    string          `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"REPLAY_BRIDGE_LOG_LEVEL"`
	LogFormat   string          `help:"Log format (text, json)." default:"text" enum:"text,json" env:"REPLAY_BRIDGE_LOG_FORMAT"`
	Credentials string          `help:"Credentials template file (auth token and upstream credentials)." type:"path" env:"REPLAY_BRIDGE_CREDENTIALS"`

	Serve      ServeCmd      `cmd:"" help:"Run the bridge worker and HTTP server."`
	Load       LoadCmd       `cmd:"" help:"Load an archive into the data directory."`
	Register   RegisterCmd   `cmd:"" help:"Register an archive with a running worker."`
	Unregister UnregisterCmd `cmd:"" help:"Unregister an archive from a running worker."`
	Ping       PingCmd       `cmd:"" help:"Check that a running worker is active."`
	URL        URLCmd        `cmd:"" name:"url" help:"Print the replay URL for an archive path."`
	Version    VersionCmd    `cmd:"" help:"Print the version."`
}

// PolicyFlags are the archive loading thresholds, in bytes.
type PolicyFlags struct {
	FullLoadLimit  int64 `help:"Archives up to this size are loaded fully into memory." default:"${full_load_limit}"`
	ChunkThreshold int64 `help:"Archives above this size are fetched in ranged chunks." default:"${chunk_threshold}"`
	ChunkSize      int64 `help:"Chunk size for ranged fetches." default:"${chunk_size}"`
	LargeChunkSize int64 `help:"Chunk size for large archives." default:"${large_chunk_size}"`
	LargeArchive   int64 `help:"Archives above this size use the large chunk size." default:"${large_archive}"`
}

// Policy converts the flags to a perf.Policy.
func (p PolicyFlags) Policy() perf.Policy {
	return perf.Policy{
		FullLoadLimit:  p.FullLoadLimit,
		ChunkThreshold: p.ChunkThreshold,
		ChunkSize:      p.ChunkSize,
		LargeChunkSize: p.LargeChunkSize,
		LargeArchive:   p.LargeArchive,
	}
}

// Globals are shared with every command's Run.
type Globals struct {
	Logger *slog.Logger
	Out    io.Writer
	creds  string
}

// LoadCredentials resolves the credentials file, or returns nil without one.
func (g *Globals) LoadCredentials(ctx context.Context) (*credentials.Credentials, error) {
	if g.creds == "" {
		return nil, nil
	}
	resolver := credentials.NewResolver(credentials.WithLogger(g.Logger))
	return resolver.ResolveFile(ctx, g.creds)
}

func vars() kong.Vars {
	return kong.Vars{
		"full_load_limit":  fmt.Sprint(perf.DefaultFullLoadLimit),
		"chunk_threshold":  fmt.Sprint(perf.DefaultChunkThreshold),
		"chunk_size":       fmt.Sprint(perf.DefaultChunkSize),
		"large_chunk_size": fmt.Sprint(perf.DefaultLargeChunkSize),
		"large_archive":    fmt.Sprint(perf.DefaultLargeArchive),
		"check_interval":   perf.DefaultCheckInterval.String(),
		"memory_threshold": fmt.Sprint(perf.DefaultMemoryThreshold),
		"metadata_size":    fmt.Sprint(perf.DefaultCapacity),
	}
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("replay-bridge"),
		kong.Description("Offline web archive registration and replay bridge."),
		kong.UsageOnError(),
		kong.Configuration(config.Loader),
		vars(),
	}, opts...)
	return kong.New(cli, opts...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	parser.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globals := &Globals{Logger: logger, Out: os.Stdout, creds: cli.Credentials}
	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(globals); err != nil {
		logger.Error("command failed", "command", kctx.Command(), "kind", replaybridge.KindOf(err), "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Text output is coloured only on a
// terminal.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(w),
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// initMetrics starts metrics export and returns its shutdown func.
func initMetrics(ctx context.Context, otlpEndpoint string, prometheus bool, logger *slog.Logger) func() {
	if otlpEndpoint == "" && !prometheus {
		return func() {}
	}
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "replay-bridge",
		ServiceVersion:   version,
		OTLPEndpoint:     otlpEndpoint,
		EnablePrometheus: prometheus,
	})
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintln(g.Out, version)
	return err
}
