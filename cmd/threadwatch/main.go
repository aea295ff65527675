// Package main wires together the threadwatch crawler service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/acp"
	"github.com/avermeer/threadwatch/internal/api"
	"github.com/avermeer/threadwatch/internal/config"
	"github.com/avermeer/threadwatch/internal/crawl"
	"github.com/avermeer/threadwatch/internal/fetch"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/logging"
	"github.com/avermeer/threadwatch/internal/metrics"
	"github.com/avermeer/threadwatch/internal/sched"
	"github.com/avermeer/threadwatch/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
	}, logging.ForSubsystem(logger, "store"))
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	// HTML-estimated post rows carry no timestamp; the next dump sync is the
	// only way to date them, so stale ones are dropped at boot.
	if purged, err := st.PurgeUndatedPosts(ctx); err != nil {
		logger.Warn("purge undated posts failed", zap.Error(err))
	} else if purged > 0 {
		logger.Info("purged undated posts", zap.Int64("count", purged))
	}

	var renderer *fetch.Renderer
	if cfg.Headless.Enabled {
		renderer, err = fetch.NewRenderer(fetch.RenderConfig{
			MaxConcurrency: cfg.Headless.MaxParallel,
			Timeout:        time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			UserAgent:      cfg.Board.UserAgent,
		}, logging.ForSubsystem(logger, "render"))
		if err != nil {
			logger.Warn("headless renderer init failed, profiles use plain fetches",
				zap.Error(err))
			renderer = nil
		} else {
			defer renderer.Close()
		}
	}

	fetcher, err := fetch.NewClient(fetch.Config{
		BaseURL:         cfg.Board.BaseURL,
		Username:        cfg.Board.Username,
		Password:        cfg.Board.Password,
		UserAgent:       cfg.Board.UserAgent,
		RequestTimeout:  cfg.RequestTimeout(),
		MaxConcurrency:  cfg.HTTP.MaxConcurrency,
		RequestInterval: time.Duration(cfg.HTTP.RequestIntervalMs) * time.Millisecond,
		CooldownWait:    time.Duration(cfg.HTTP.CooldownWaitSec) * time.Second,
		CooldownRetries: cfg.HTTP.CooldownRetries,
		MaxRetries:      cfg.HTTP.MaxRetries,
	}, renderer, logging.ForSubsystem(logger, "fetch"))
	if err != nil {
		return fmt.Errorf("build fetch client: %w", err)
	}

	// A rejected login falls back to guest crawling rather than aborting;
	// excluded forums simply stay invisible until credentials are fixed.
	if err := fetcher.Login(ctx); err != nil {
		logger.Warn("board login failed, crawling as guest", zap.Error(err))
	}
	metrics.SetSessionAuthenticated(fetcher.Authenticated())

	// The nil check matters: a typed-nil *acp.Client stored in the interface
	// would defeat the orchestrator's exporter guard.
	var exporter crawl.Exporter
	if acpClient := buildExporter(ctx, cfg, st, fetcher, logger); acpClient != nil {
		exporter = acpClient
	}

	var sink *crawl.FailureSink
	if cfg.Sink.Dir != "" {
		sink, err = crawl.NewFailureSink(cfg.Sink.Dir, int64(cfg.Sink.MaxBytes),
			logging.ForSubsystem(logger, "sink"))
		if err != nil {
			logger.Warn("failure sink init failed, unparseable pages are only logged",
				zap.Error(err))
			sink = nil
		}
	}

	cat := forum.NewCategorizer(
		cfg.Board.CompleteForumID,
		cfg.Board.IncompleteForumID,
		cfg.Board.CommsForumID,
		cfg.Board.ExcludedForumIDs,
	)

	orch := crawl.New(crawl.Config{
		QuoteMinWords:       cfg.Quotes.MinWords,
		QuoteBatchSize:      cfg.Quotes.BatchSize,
		ExcludedMemberNames: cfg.Board.ExcludedMembers,
	}, st, fetcher, exporter, cat, sink, logging.ForSubsystem(logger, "crawl"))
	if fetcher.Authenticated() {
		orch.Activity().SetRunningAs("member")
	}

	scheduler := sched.New(sched.Config{
		ProfileSpec:      cfg.Schedule.ProfileSpec,
		ThreadSpec:       cfg.Schedule.ThreadSpec,
		QuoteSpec:        cfg.Schedule.QuoteSpec,
		DiscoverySpec:    cfg.Schedule.DiscoverySpec,
		DumpSyncSpec:     cfg.Schedule.DumpSyncSpec,
		EventSettleDelay: cfg.EventSettleDelay(),
	}, orch, logging.ForSubsystem(logger, "sched"))
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiCfg := api.Config{
		BoardBaseURL:   cfg.Board.BaseURL,
		RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
	}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(apiCfg, st, scheduler, orch.Activity(),
		logging.ForSubsystem(logger, "api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	scheduler.Stop()
	logger.Info("shutdown complete")
	return nil
}

// buildExporter wires the admin export client when credentials exist, first
// from config and otherwise from the crawl_state table. Without credentials
// dump sync stays disabled and the orchestrator refuses the operation.
func buildExporter(ctx context.Context, cfg config.Config, st *store.Store,
	fetcher *fetch.Client, logger *zap.Logger) *acp.Client {
	user, pass := cfg.ACP.Username, cfg.ACP.Password
	if user == "" || pass == "" {
		var err error
		user, err = st.GetState(ctx, store.StateAdminUser)
		if err != nil {
			return nil
		}
		pass, err = st.GetState(ctx, store.StateAdminPass)
		if err != nil {
			return nil
		}
	}
	if user == "" || pass == "" {
		return nil
	}
	return acp.New(acp.Config{
		BaseURL:     cfg.Board.BaseURL,
		Username:    user,
		Password:    pass,
		PartWait:    time.Duration(cfg.ACP.PartWaitSec) * time.Second,
		PartRetries: cfg.ACP.PartRetries,
	}, fetcher, logging.ForSubsystem(logger, "acp"))
}
