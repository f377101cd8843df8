package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marcushq/marcus/internal/ai"
	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/config"
	"github.com/marcushq/marcus/internal/coord"
	"github.com/marcushq/marcus/internal/events"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/kanban/boardtest"
	"github.com/marcushq/marcus/internal/kanban/local"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/monitor"
	"github.com/marcushq/marcus/internal/paths"
	"github.com/marcushq/marcus/internal/tracing"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
	cfgErr    error
)

var rootCmd = &cobra.Command{
	Use:   "marcus",
	Short: "MCP coordination server for autonomous agent teams",
	Long: `Marcus assigns kanban tasks to autonomous worker agents over the Model
Context Protocol. Agents register, request work, and report progress
through MCP tools; marcus scores the backlog, commits each assignment
to a durable ledger, and reconciles drift between board and ledger in
the background.

The server speaks MCP over stdio by default. Pass --http to serve the
streamable HTTP transport instead.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/marcus/config.yaml)")
	rootCmd.PersistentFlags().String("board", "",
		"path to the local board database")
	rootCmd.PersistentFlags().String("data-dir", "",
		"directory for runtime state (ledger, events, monitor snapshot)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.Flags().String("http", "",
		"serve MCP over HTTP on this address instead of stdio")

	// Bind flags to viper
	_ = viper.BindPFlag("board.path", rootCmd.PersistentFlags().Lookup("board"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("server.http_addr", rootCmd.Flags().Lookup("http"))
}

func initConfig() {
	config.SetViperDefaults(viper.GetViper())
	viper.SetEnvPrefix("MARCUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .marcus/config.yaml (current directory)
		// 2. $MARCUS_CONFIG_DIR or ~/.config/marcus/config.yaml (user config)
		if _, err := os.Stat(".marcus/config.yaml"); err == nil {
			viper.SetConfigFile(".marcus/config.yaml")
		} else {
			viper.AddConfigPath(paths.ConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file found anywhere - write the commented default
			// template so the first run leaves something to edit.
			defaultPath := paths.ConfigFile()
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		} else {
			// An explicitly named or malformed config file is an error;
			// cobra's OnInitialize cannot return one, so it surfaces in RunE.
			cfgErr = fmt.Errorf("reading config: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil && cfgErr == nil {
		cfgErr = fmt.Errorf("decoding config: %w", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logging. Stdout carries the MCP wire in stdio mode, so
	// logs only ever go to a file; no path configured means no logging.
	debug := os.Getenv("MARCUS_DEBUG") != "" || debugFlag
	logPath := cfg.Log.Path
	if debug && logPath == "" {
		logPath = "debug.log"
	}
	if logPath != "" {
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer func() { _ = cleanup() }()
	}
	level := log.ParseLevel(cfg.Log.Level)
	if debug {
		level = log.LevelDebug
	}
	log.SetLevel(level)
	log.Info(log.CatServer, "marcus starting",
		"version", version, "config", viper.ConfigFileUsed())

	dataDir := paths.DataDir(cfg.DataDir)
	if err := paths.EnsureDir(dataDir); err != nil {
		return err
	}
	files := cfg.Files.Resolve(dataDir)

	evlog, err := events.Open(files.Events,
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithFlushInterval(cfg.Events.FlushInterval))
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer func() { _ = evlog.Close() }()

	mon := monitor.New(cfg.Monitor.Runtime(files.Monitor), clock.Real())
	breakers := fault.NewBreakerSet(cfg.Breaker.Policy(), coord.BreakerObserver(evlog))

	board, closeBoard, err := openBoard(cfg, dataDir)
	if err != nil {
		return err
	}
	defer closeBoard()
	guarded := kanban.Guard(board,
		breakers.Get("kanban:"+board.Name()),
		kanban.GuardConfig{Retry: cfg.Retry.Policy(), Timeout: cfg.Board.Timeout},
		mon)

	advisor, err := buildAdvisor(cfg, breakers, mon)
	if err != nil {
		return err
	}

	led, err := ledger.Open(files.Ledger)
	if err != nil {
		return err
	}

	traces, err := tracing.NewProvider(cfg.Tracing.Pipeline())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	server, err := coord.New(coord.Config{
		Version:     version,
		Assign:      cfg.Assignment.Scoring(),
		Reconcile:   cfg.Reconcile.Loop(),
		SnapshotTTL: cfg.Snapshot.TTL,
	}, coord.Deps{
		Board:    guarded,
		Ledger:   led,
		AI:       advisor,
		Monitor:  mon,
		Events:   evlog,
		Breakers: breakers,
		Tracer:   traces.Tracer(),
		Clock:    clock.Real(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Run(ctx)
	server.Start(ctx)

	// Hot-reload tuning on config edits. The watcher is best-effort: a
	// missing inotify backend degrades to restart-to-apply.
	if path := viper.ConfigFileUsed(); path != "" {
		watcher, watchErr := config.Watch(path, 0, func(next config.Config) {
			mon.SetThresholds(next.Monitor.Runtime(files.Monitor))
			server.ApplyTuning(next.Assignment.Scoring(), next.Reconcile.Loop())
			if !debug {
				log.SetLevel(log.ParseLevel(next.Log.Level))
			}
		})
		if watchErr != nil {
			log.Warn(log.CatConfig, "config watcher unavailable", "error", watchErr)
		} else {
			defer watcher.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var httpServer *http.Server
	errCh := make(chan error, 1)
	var serveErr error

	if addr := cfg.Server.HTTPAddr; addr != "" {
		httpServer = &http.Server{
			Addr:              addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() { errCh <- httpServer.ListenAndServe() }()
		log.Info(log.CatServer, "serving MCP over HTTP", "addr", addr)
		fmt.Printf("marcus listening on %s (MCP over HTTP)\n", addr)
		fmt.Println("Press Ctrl+C to stop")

		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			log.Info(log.CatServer, "shutdown signal received", "signal", sig.String())
		case err := <-errCh:
			if err != nil {
				serveErr = fmt.Errorf("http server: %w", err)
			}
		}
	} else {
		go func() { errCh <- server.Serve(os.Stdin, os.Stdout) }()

		select {
		case sig := <-sigCh:
			log.Info(log.CatServer, "shutdown signal received", "signal", sig.String())
		case err := <-errCh:
			// Stdin closing is how stdio MCP clients hang up.
			if err != nil {
				serveErr = fmt.Errorf("serving stdio: %w", err)
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatServer, "http shutdown failed", err)
		}
	}
	server.Stop()
	cancel()
	if err := mon.Save(); err != nil {
		log.ErrorErr(log.CatMonitor, "final snapshot failed", err)
	}
	if err := traces.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatTrace, "trace shutdown failed", err)
	}

	return serveErr
}

// openBoard builds the configured board backend. The returned closer
// releases backend resources after the server stops using it.
func openBoard(cfg config.Config, dataDir string) (kanban.Provider, func(), error) {
	switch cfg.Board.Provider {
	case "memory":
		return boardtest.New(), func() {}, nil
	default: // "local", enforced by config.Validate
		path := cfg.Board.Path
		if path == "" {
			path = paths.BoardFile(dataDir)
		}
		store, err := local.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening board database: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// buildAdvisor builds the AI adapter, or nil when no provider is usable.
// A missing API key downgrades to nil rather than failing startup: the
// server runs fine without AI, only create_project and enriched
// instructions need it.
func buildAdvisor(cfg config.Config, breakers *fault.BreakerSet, mon *monitor.Monitor) (ai.Adapter, error) {
	var provider ai.Provider
	switch cfg.AI.Provider {
	case "none":
		return nil, nil
	case "sim":
		provider = ai.NewSim()
	default: // "anthropic", enforced by config.Validate
		key := os.Getenv(cfg.AI.APIKeyEnv)
		if key == "" {
			log.Warn(log.CatAI, "AI provider disabled: API key not set", "env", cfg.AI.APIKeyEnv)
			return nil, nil
		}
		p, err := ai.NewAnthropic(key, cfg.AI.Model)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	client, err := ai.New(ai.Config{
		Retry:     cfg.Retry.Policy(),
		Timeout:   cfg.AI.Timeout,
		MaxTokens: cfg.AI.MaxTokens,
	}, provider, breakers.Get("ai:"+provider.Name()), mon)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
