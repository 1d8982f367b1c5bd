package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaybot/internal/access"
	"relaybot/internal/channel"
	"relaybot/internal/classifier"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/fetch"
	"relaybot/internal/media"
	"relaybot/internal/mediagroup"
	"relaybot/internal/metrics"
	"relaybot/internal/orchestrator"
	"relaybot/internal/pipeline"
	"relaybot/internal/render"
	"relaybot/internal/task"
	"relaybot/internal/telegraph"
	"relaybot/internal/workflow"

	"github.com/spf13/cobra"
)

// janitorInterval is how often stale downloads and finished turns are swept.
const janitorInterval = 10 * time.Minute

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the Telegram gateway",
		Long:  "Polls Telegram, relays addressed messages to the workflow engine and delivers the answers. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.Ready(cfg); err != nil {
		return fmt.Errorf("%w (see 'relaybot config set')", err)
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.Media.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chats, err := access.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("chat registry: %w", err)
	}
	defer chats.Close()
	if _, err := chats.Seed(ctx, cfg.Telegram.ChatIDs()); err != nil {
		return fmt.Errorf("seed chat registry: %w", err)
	}

	tg, err := channel.NewTelegram(channel.TelegramConfig{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		PollTimeout: cfg.Telegram.PollTimeout,
		DownloadDir: cfg.Media.DownloadDir,
		MaxDownload: cfg.Media.MaxDownloadBytes,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	logger.Info("telegram connected", "bot", tg.Username(), "id", tg.ID())

	engine, err := workflow.NewClient(workflow.Config{
		BaseURL:    cfg.Workflow.APIBase,
		APIKey:     cfg.Workflow.APIKey,
		Timeout:    time.Duration(cfg.Workflow.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Workflow.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("workflow client: %w", err)
	}

	var publisher domain.DocumentPublisher
	if cfg.Telegraph.Enabled {
		publisher = telegraph.NewClient(telegraph.Config{
			AccessToken: cfg.Telegraph.AccessToken,
			TokenFile:   cfg.Telegraph.TokenFile,
			ShortName:   cfg.Telegraph.ShortName,
			AuthorName:  cfg.Telegraph.AuthorName,
			AuthorURL:   cfg.Telegraph.AuthorURL,
			Logger:      logger,
		})
	}

	modes := parseModes(cfg.Telegram.ParseModes)
	chain := render.NewChain(render.Config{
		Messenger:  tg,
		Publisher:  publisher,
		ParseModes: modes,
		Logger:     logger,
	})
	orch := orchestrator.New(orchestrator.Config{
		Messenger: tg,
		Logger:    logger,
		Keys: orchestrator.OutputKeys{
			Answer: cfg.Workflow.AnswerKey,
			Type:   cfg.Workflow.TypeKey,
			Extras: cfg.Workflow.ExtrasKey,
		},
	})
	deliverer := media.NewDeliverer(media.Config{
		Messenger: tg,
		Overflow:  chain,
		Compressor: media.JPEGCompressor{
			Dir:          cfg.Media.DownloadDir,
			Quality:      cfg.Media.JPEGQuality,
			MaxDimension: cfg.Media.MaxDimension,
		},
		Policy: media.DefaultPolicy(),
		Logger: logger,
	})

	fetcher := fetch.NewHTTPFetcher(fetch.HTTPConfig{
		MaxBytes:   media.DefaultPolicy().VideoLimit,
		MaxRetries: cfg.Workflow.MaxRetries,
		Logger:     logger,
	})
	links, err := newLinkRegistry(cfg, fetcher)
	if err != nil {
		return err
	}

	tasks := task.NewSupervisor(task.Config{
		Logger:        logger,
		MaxConcurrent: cfg.General.MaxConcurrentTurns,
	})

	var parseMode domain.ParseMode
	if len(modes) > 0 {
		parseMode = modes[0]
	}
	h, err := pipeline.NewHandler(pipeline.Config{
		Messenger:    tg,
		Chats:        chats,
		Engine:       engine,
		Orchestrator: orch,
		Renderer:     chain,
		Media:        deliverer,
		Groups: mediagroup.New(mediagroup.Config{
			TTL: time.Duration(cfg.Media.GroupTTLSeconds) * time.Second,
		}),
		Attachments: tg,
		Fetcher:     fetcher,
		Links:       links,
		Tasks:       tasks,
		Bot:         classifier.Bot{ID: tg.ID(), Username: tg.Username()},
		ParseMode:   parseMode,
		DownloadDir: cfg.Media.DownloadDir,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics)
	}

	go runJanitor(ctx, cfg, tasks)

	logger.Info("gateway started. Press Ctrl+C to stop.",
		"version", version, "workers", cfg.General.MaxConcurrentTurns, "parsers", links.Names())

	pollErr := tg.Poll(ctx, h.Dispatch)
	if pollErr != nil && !errors.Is(pollErr, context.Canceled) {
		logger.Error("polling stopped", "err", pollErr)
	}
	logger.Info("shutting down gateway...")

	timeout := time.Duration(cfg.General.ShutdownTimeoutSeconds) * time.Second
	var shutdownErr error
	if err := tasks.Shutdown(timeout); err != nil {
		logger.Warn("shutdown timed out, in-flight turns cancelled", "err", err)
		shutdownErr = err
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}
	if shutdownErr == nil {
		logger.Info("shutdown complete")
	}
	return shutdownErr
}

// newLinkRegistry registers the /parse parsers. Direct media links are
// matched first; the browser takes any other page when enabled.
func newLinkRegistry(cfg *config.Config, fetcher *fetch.HTTPFetcher) (*fetch.Registry, error) {
	reg := fetch.NewRegistry(logger)
	if err := reg.Register(fetch.DirectParser{Fetcher: fetcher}); err != nil {
		return nil, fmt.Errorf("register direct parser: %w", err)
	}
	if cfg.Browser.Enabled {
		b := fetch.NewBrowser(fetch.BrowserConfig{
			ProfileDir: cfg.Browser.ProfileDir,
			Headless:   cfg.Browser.Headless,
			Timeout:    time.Duration(cfg.Browser.TimeoutSeconds) * time.Second,
			Logger:     logger,
		})
		if err := reg.Register(fetch.BrowserParser{Browser: b, Fetcher: fetcher}); err != nil {
			return nil, fmt.Errorf("register browser parser: %w", err)
		}
	}
	return reg, nil
}

func parseModes(names []string) []domain.ParseMode {
	modes := make([]domain.ParseMode, 0, len(names))
	for _, n := range names {
		modes = append(modes, domain.ParseMode(n))
	}
	return modes
}

func serveMetrics(mc config.MetricsConfig) *http.Server {
	endpoint := mc.Endpoint
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, metrics.Default.Handler())
	srv := &http.Server{
		Addr:              mc.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", mc.Listen, "endpoint", endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	return srv
}

// runJanitor sweeps stale downloads and forgets finished turns until ctx
// is done.
func runJanitor(ctx context.Context, cfg *config.Config, tasks *task.Supervisor) {
	maxAge := time.Duration(cfg.Media.MaxAgeHours) * time.Hour
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := media.CleanupOld(cfg.Media.DownloadDir, maxAge, now)
			if err != nil {
				logger.Warn("download cleanup failed", "dir", cfg.Media.DownloadDir, "err", err)
			} else if n > 0 {
				logger.Info("removed stale downloads", "count", n)
			}
			if n := tasks.Clean(janitorInterval); n > 0 {
				logger.Debug("forgot finished turns", "count", n)
			}
		}
	}
}
