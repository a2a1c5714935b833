// The blackoutplay command plays an HLS timeline and pauses at blackout
// segments until the viewer decides which rendition to show.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/cluster"
	"github.com/agleyzer/blackoutplayer/internal/config"
	"github.com/agleyzer/blackoutplayer/internal/controller"
	"github.com/agleyzer/blackoutplayer/internal/metrics"
	"github.com/agleyzer/blackoutplayer/internal/parser"
	"github.com/agleyzer/blackoutplayer/internal/playback"
	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/agleyzer/blackoutplayer/internal/server"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
	"golang.org/x/sync/errgroup"
)

const (
	version = "1.0.0"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if errors.Is(err, errVersion) {
		fmt.Printf("BlackoutPlay v%s\n", version)
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg)
	logger.Info("BlackoutPlay starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("BlackoutPlay stopped")
}

var errVersion = errors.New("version requested")

// parseConfig merges the .env file, the environment and command-line flags,
// in increasing order of precedence.
func parseConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("blackoutplay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		envFile     = fs.String("env-file", ".env", "File with environment variables to load")
		port        = fs.Int("port", 8080, "HTTP control server port")
		epsilon     = fs.Float64("epsilon", controller.DefaultEpsilon, "Boundary look-ahead in seconds")
		policy      = fs.String("policy", "asymmetric", "Gate release policy: asymmetric or once")
		tick        = fs.Duration("tick", 250*time.Millisecond, "Playback clock resolution")
		patterns    = fs.String("patterns", "", "Comma-separated regular expressions that mark blackout segments")
		prompt      = fs.Bool("prompt", true, "Ask for blackout decisions on stdin")
		logLevel    = fs.String("log-level", "info", "Log level: debug, info, warn or error")
		logFormat   = fs.String("log-format", "text", "Log format: text or json")
		verbose     = fs.Bool("verbose", false, "Enable verbose logging (same as --log-level debug)")
		raftID      = fs.String("raft-id", "", "Unique node ID for co-viewing")
		raftBind    = fs.String("raft-bind", "", "Raft bind address (host:port)")
		raftPeers   = fs.String("raft-peers", "", "Comma-separated Raft peer addresses, including this node")
		showVersion = fs.Bool("version", false, "Show version and exit")
	)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "BlackoutPlay - blackout-aware HLS player v%s\n\n", version)
		fmt.Fprintf(stderr, "Usage: blackoutplay [options] [<original-url> <blackout-url>]\n\n")
		fmt.Fprintf(stderr, "Arguments:\n")
		fmt.Fprintf(stderr, "  <original-url>    URL of the unrestricted rendition (BLACKOUT_ORIGINAL_URL)\n")
		fmt.Fprintf(stderr, "  <blackout-url>    URL of the blackout rendition (BLACKOUT_MANIFEST_URL)\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  blackoutplay https://example.com/output.m3u8 https://example.com/blackout.m3u8\n")
		fmt.Fprintf(stderr, "  blackoutplay --policy once --port 9090 https://example.com/output.m3u8 https://example.com/blackout.m3u8\n")
		fmt.Fprintf(stderr, "  blackoutplay --raft-id node1 --raft-bind 127.0.0.1:7001 --raft-peers 127.0.0.1:7001,127.0.0.1:7002 ...\n")
	}

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if *showVersion {
		return config.Config{}, errVersion
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// A missing default .env file is fine, a missing explicit one is not.
	if err := config.Load(*envFile); err != nil && (set["env-file"] || !errors.Is(err, os.ErrNotExist)) {
		return config.Config{}, fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	cfg := config.FromEnv()

	switch fs.NArg() {
	case 0:
	case 2:
		cfg.OriginalURL = fs.Arg(0)
		cfg.BlackoutURL = fs.Arg(1)
	default:
		return config.Config{}, fmt.Errorf("expected <original-url> <blackout-url>, got %d arguments", fs.NArg())
	}

	if set["port"] {
		cfg.Port = *port
	}
	if set["epsilon"] {
		cfg.Epsilon = *epsilon
	}
	if set["policy"] {
		cfg.Policy = *policy
	}
	if set["tick"] {
		cfg.TickInterval = *tick
	}
	if set["patterns"] {
		cfg.Patterns = splitList(*patterns)
	}
	if set["prompt"] {
		cfg.Prompt = *prompt
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if set["log-format"] {
		cfg.LogFormat = *logFormat
	}
	if set["raft-id"] {
		cfg.RaftID = *raftID
	}
	if set["raft-bind"] {
		cfg.RaftBind = *raftBind
	}
	if set["raft-peers"] {
		cfg.RaftPeers = splitList(*raftPeers)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	m := metrics.New()

	adapter, err := playback.NewAdapter(logger, []playback.Factory{
		playback.HeadlessFactory{Config: playback.HeadlessConfig{TickInterval: cfg.TickInterval}},
	}, playback.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create playback surface: %w", err)
	}
	logger.Info("playback engine selected", "engine", adapter.EngineName())

	patterns, err := cfg.BlackoutPatterns()
	if err != nil {
		adapter.Close()
		return err
	}

	var manager *cluster.Manager
	opts := []controller.Option{controller.WithMetrics(m)}
	if cfg.ClusterEnabled() {
		manager, err = cluster.NewManager(cluster.Config{
			RaftID:    cfg.RaftID,
			BindAddr:  cfg.RaftBind,
			Peers:     cfg.RaftPeers,
			LogOutput: os.Stderr,
			Verbose:   cfg.SlogLevel() == slog.LevelDebug,
		}, cfg.BlackoutURL, logger)
		if err != nil {
			adapter.Close()
			return fmt.Errorf("failed to create cluster manager: %w", err)
		}
		opts = append(opts, controller.WithPublisher(manager))
	}

	var p *prompter
	if cfg.Prompt {
		p = newPrompter(in, out, logger)
	}

	ctrl, err := controller.New(ctx, controller.Config{
		OriginalURL: cfg.OriginalURL,
		BlackoutURL: cfg.BlackoutURL,
		Epsilon:     cfg.Epsilon,
		Policy:      cfg.ResolvePolicy(),
		Parser:      parser.Options{BlackoutPatterns: patterns},
	}, adapter, newEventLogger(logger, p), logger, opts...)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	srvOpts := []server.Option{server.WithMetrics(m)}
	if manager != nil {
		srvOpts = append(srvOpts, server.WithCluster(manager))

		unsubscribe := manager.OnRemoteDecision(func(index int, d timeline.Decision) {
			if err := ctrl.ApplyRemoteDecision(index, d); err != nil {
				logger.Warn("failed to apply replicated decision", "index", index, "error", err)
			}
		})
		defer unsubscribe()

		logger.Info("starting co-viewing node", "raft_id", cfg.RaftID, "bind", cfg.RaftBind, "peers", cfg.RaftPeers)
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer func() {
			if err := manager.Shutdown(); err != nil {
				logger.Error("cluster shutdown failed", "error", err)
			}
		}()
	}

	srv := server.New(ctrl, cfg.Port, logger, srvOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if p != nil {
		g.Go(func() error {
			return p.run(gctx, ctrl)
		})
	}

	logger.Info("player ready",
		"original", cfg.OriginalURL,
		"blackout", cfg.BlackoutURL,
		"policy", cfg.ResolvePolicy(),
		"state", fmt.Sprintf("http://localhost:%d/state", cfg.Port),
		"health", fmt.Sprintf("http://localhost:%d/health", cfg.Port),
	)

	return g.Wait()
}

// newEventLogger logs controller events and forwards gates to the prompt.
func newEventLogger(logger *slog.Logger, p *prompter) controller.Listener {
	return controller.ListenerFuncs{
		BlackoutPending: func(seg segment.Segment) {
			logger.Info("blackout decision pending",
				"index", seg.Index,
				"start", seg.Start,
				"end", seg.End,
			)
			if p != nil {
				p.offer(seg)
			}
		},
		SegmentAdvance: func(index int, rendition segment.Rendition) {
			logger.Info("segment", "index", index, "rendition", rendition)
		},
		Error: func(kind playerr.Kind, err error) {
			logger.Error("playback halted", "kind", kind, "error", err)
		},
	}
}
