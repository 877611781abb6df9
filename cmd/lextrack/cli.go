package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"LexTrack/internal/config"
	"LexTrack/internal/monitor"
	"LexTrack/internal/session"
	"LexTrack/internal/storage"
	"LexTrack/internal/telemetry"
	"LexTrack/internal/transport"
)

// Version is the CLI release
const Version = "1.0.0"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func errorLine(msg string) string {
	return red("error: " + msg)
}

// CLI holds the command line interface state
type CLI struct {
	configPath string
	debug      bool
	baseURL    string
	token      string

	cfg     *config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	closers []func()
}

// NewRootCommand creates the root cobra command
func NewRootCommand(cli *CLI) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lextrack",
		Short: "Track long-running legal document tasks",
		Long: fmt.Sprintf(`%s

Follows backend tasks (contract review, generation, litigation analysis)
over a WebSocket push channel, falling back to HTTP polling when the channel
cannot be kept open, and keeps multi-step workflows resumable across runs.

%s
  lextrack track 6f1c...           # Follow one or more tasks
  lextrack review nda.docx         # Contract review, resumable
  lextrack session show review_session
  lextrack devserver --auto-advance 2s`,
			bold("LexTrack "+Version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.initialize(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cli.configPath, "config", "c", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVarP(&cli.debug, "debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&cli.baseURL, "base-url", "", "Backend root URL")
	rootCmd.PersistentFlags().StringVar(&cli.token, "token", "", "Bearer token for the backend")

	rootCmd.AddCommand(newTrackCommand(cli))
	rootCmd.AddCommand(newReviewCommand(cli))
	rootCmd.AddCommand(newSessionCommand(cli))
	rootCmd.AddCommand(newDevServerCommand(cli))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "lextrack", Version)
		},
	})

	return rootCmd
}

// initialize loads configuration and sets up logging and telemetry.
func (cli *CLI) initialize(cmd *cobra.Command) error {
	v := config.NewViper()
	if cli.configPath != "" {
		v.SetConfigFile(cli.configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cli.configPath, err)
		}
	}

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{"debug": "debug", "base_url": "base-url", "token": "token"} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	cli.cfg = cfg

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cli.logger = logger
	cli.closers = append(cli.closers, func() { _ = closeLog() })

	tracer, meter, cleanup, err := telemetry.InitTelemetry(cmd.Context(), cfg.LogDir, Version)
	if err != nil {
		// Non-fatal: components fall back to the global noop providers
		logger.Warn("failed to initialize telemetry", "error", err)
		cli.tracer = telemetry.Tracer()
		cli.metrics, _ = telemetry.GlobalMetrics()
	} else {
		cli.tracer = tracer
		cli.closers = append(cli.closers, cleanup)
		cli.metrics, err = telemetry.NewMetrics(meter)
		if err != nil {
			logger.Warn("failed to create metrics", "error", err)
		}
	}

	logger.Info("lextrack starting",
		"version", Version,
		"command", cmd.Name(),
		"base_url", cfg.BaseURL,
		"session_backend", cfg.Session.Backend)
	return nil
}

// shutdown releases resources in reverse order of acquisition.
func (cli *CLI) shutdown() {
	for i := len(cli.closers) - 1; i >= 0; i-- {
		cli.closers[i]()
	}
	cli.closers = nil
}

// openBackend opens the configured session storage backend.
func (cli *CLI) openBackend(ctx context.Context) (storage.Backend, error) {
	sc := cli.cfg.Session
	switch sc.Backend {
	case config.BackendSQLite:
		return storage.OpenSQLite(sc.DBPath)
	case config.BackendRedis:
		return storage.DialRedis(ctx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB, sc.RedisPrefix, sc.Expiration)
	default:
		return storage.NewMemoryBackend(sc.MemoryEntries, sc.MemoryQuotaBytes)
	}
}

// openStore returns the session store and a function that closes its backend.
func (cli *CLI) openStore(ctx context.Context) (*session.Store, storage.Backend, error) {
	backend, err := cli.openBackend(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s session backend: %w", cli.cfg.Session.Backend, err)
	}
	store := session.NewStore(backend,
		session.WithExpiration(cli.cfg.Session.Expiration),
		session.WithLogger(cli.logger),
		session.WithMetrics(cli.metrics))
	return store, backend, nil
}

// newMonitor wires the push dialer and the poller for the configured backend.
func (cli *CLI) newMonitor() (*monitor.Monitor, *transport.HTTPClient, error) {
	poller, err := transport.NewHTTPClient(cli.cfg.BaseURL, cli.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	var dialer transport.Dialer
	if !cli.cfg.Tracker.DisablePush {
		wsDialer, err := transport.NewWebSocketDialer(cli.cfg.BaseURL, cli.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create push dialer: %w", err)
		}
		dialer = wsDialer
	}

	m := monitor.New(dialer, poller,
		monitor.WithConfig(cli.cfg.Tracker),
		monitor.WithLogger(cli.logger),
		monitor.WithMetrics(cli.metrics),
		monitor.WithTracer(cli.tracer))
	return m, poller, nil
}
