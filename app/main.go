package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/lysyi3m/listing-comb/app/api"
	"github.com/lysyi3m/listing-comb/app/cfg"
	"github.com/lysyi3m/listing-comb/app/fetcher"
	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/notify"
	"github.com/lysyi3m/listing-comb/app/pipeline"
	"github.com/lysyi3m/listing-comb/app/state"
	"github.com/lysyi3m/listing-comb/app/tasks"
)

const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	config, err := cfg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	if config == nil {
		// Help was shown
		return exitOK
	}

	setupLogger(config.Debug)

	slog.Info("Starting Listing Comb", "version", config.Version, "daemon", config.Daemon, "dry_run", config.DryRun)

	ruleCache := listing.NewConfigCache(config.RulesDir)
	if err := ruleCache.Run(); err != nil {
		slog.Error("Failed to load rules", "dir", config.RulesDir, "error", err)
		return exitError
	}

	rules := ruleCache.GetEnabledRules()
	slog.Info("Rules loaded", "total", ruleCache.GetRuleCount(), "enabled", len(rules))
	for _, rule := range rules {
		for _, locale := range rule.Locales {
			for _, keyword := range rule.Keywords {
				slog.Debug("Watching search", "rule", rule.Name, "locale", locale, "url", fetcher.BuildSearchURL(keyword, locale))
			}
		}
	}

	backend, closeBackend, err := openBackend(config)
	if err != nil {
		slog.Error("Failed to open state backend", "backend", config.StateBackend, "error", err)
		return exitError
	}
	defer closeBackend()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := state.NewStore(backend)
	store.Load(ctx)

	source, err := newFetcher(config)
	if err != nil {
		slog.Error("Failed to create listing source", "source", config.Source, "error", err)
		return exitError
	}

	runner := pipeline.NewRunner(source, store, listing.NewFilterer(), newChannels(config), pipeline.Options{
		DefaultCooldown:    config.DefaultCooldown,
		MaxSeenIDs:         config.MaxSeenIDsPerRule,
		BatchNotifications: config.BatchNotifications,
		MaxBatchSize:       config.MaxBatchSize,
		DryRun:             config.DryRun,
	})

	if config.Daemon {
		return runDaemon(ctx, config, ruleCache, store, runner)
	}

	return runOnce(ctx, config, rules, runner)
}

func runOnce(ctx context.Context, config *cfg.Cfg, rules []*listing.Rule, runner *pipeline.Runner) int {
	if len(rules) == 0 {
		slog.Warn("No enabled rules found", "dir", config.RulesDir)
		return exitOK
	}

	result := runner.Run(ctx, rules)

	if config.SummaryJSON {
		data, err := json.MarshalIndent(result.Summary(), "", "  ")
		if err != nil {
			slog.Error("Failed to encode run summary", "error", err)
		} else {
			fmt.Println(string(data))
		}
	}

	if ctx.Err() != nil {
		slog.Warn("Run interrupted")
		return exitInterrupted
	}
	if result.HasErrors() {
		return exitError
	}
	return exitOK
}

func runDaemon(ctx context.Context, config *cfg.Cfg, ruleCache *listing.ConfigCache, store *state.Store, runner *pipeline.Runner) int {
	lastRun := tasks.NewLastRun()

	scheduler, err := tasks.NewScheduler(ruleCache, runner, lastRun, tasks.SchedulerOptions{
		Interval: config.PollInterval,
		Schedule: config.Schedule,
	})
	if err != nil {
		slog.Error("Failed to create scheduler", "error", err)
		return exitError
	}
	scheduler.Start()
	defer scheduler.Stop()

	var httpServer *http.Server
	serverErrChan := make(chan error, 1)

	if config.Port != "" {
		handler := api.NewHandler(ruleCache, store, scheduler, lastRun, config.DefaultCooldown)

		httpServer = &http.Server{
			Addr:         ":" + config.Port,
			Handler:      api.NewServer(handler, config.APIAccessKey),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			slog.Info("Starting HTTP server", "port", config.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	slog.Info("Listing Comb daemon started")

	exitCode := exitOK
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
		exitCode = exitError
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}

	slog.Info("Listing Comb shutdown complete")
	return exitCode
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func openBackend(config *cfg.Cfg) (state.Backend, func(), error) {
	switch config.StateBackend {
	case "sqlite":
		backend, err := state.OpenSQLiteBackend(config.StateDB)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {
			if err := backend.Close(); err != nil {
				slog.Warn("Failed to close state database", "error", err)
			}
		}, nil
	default:
		return state.NewJSONFileBackend(config.StateFile), func() {}, nil
	}
}

func newFetcher(config *cfg.Cfg) (pipeline.Fetcher, error) {
	opts := fetcher.DefaultOptions()
	opts.UserAgent = config.UserAgent
	opts.Timeout = config.Timeout
	opts.MaxPages = config.MaxPages
	opts.PerPage = config.PerPage
	opts.RequestsPerSecond = config.RequestsPerSecond

	if config.Source == "feed" {
		return fetcher.NewFeedClient(config.FeedURLTemplate, opts), nil
	}
	return fetcher.NewCatalogClient(opts)
}

// newChannels returns every channel; each decides per rule whether it has
// a destination.
func newChannels(config *cfg.Cfg) []notify.Channel {
	webhookOpts := notify.DefaultWebhookOptions()
	webhookOpts.Timeout = config.Timeout

	return []notify.Channel{
		notify.NewSlack(config.SlackWebhookURL, webhookOpts),
		notify.NewDiscord(config.DiscordWebhookURL, webhookOpts),
	}
}
