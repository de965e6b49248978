package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/h1v3-io/deskbot/internal/api"
	"github.com/h1v3-io/deskbot/internal/bot"
	"github.com/h1v3-io/deskbot/internal/config"
	"github.com/h1v3-io/deskbot/internal/connector/discord"
	"github.com/h1v3-io/deskbot/internal/lifecycle"
	"github.com/h1v3-io/deskbot/internal/logbuf"
	"github.com/h1v3-io/deskbot/internal/observability"
	"github.com/h1v3-io/deskbot/internal/scheduler"
	"github.com/h1v3-io/deskbot/internal/site"
	"github.com/h1v3-io/deskbot/internal/ticket"
	"github.com/h1v3-io/deskbot/internal/tier"
)

func main() {
	configPath := flag.StringP("config", "c", "", "Path to config JSON file (default: environment)")
	envFiles := flag.StringSlice("env-file", []string{".env"}, "Env files loaded before reading the environment")
	verbose := flag.BoolP("verbose", "v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv(*envFiles...)
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("deskbotd starting",
		"guild", cfg.Discord.GuildID,
		"store", cfg.Tickets.Store,
		"sync_mode", cfg.Site.SyncMode,
		"auto_close", cfg.AutoClose(),
		"auto_delete", cfg.AutoDelete(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	// 1. Discord connector; the lifecycle, tier and topic store all talk to it
	dc, err := discord.New(discord.Config{
		Token:            cfg.Discord.Token,
		GuildID:          cfg.Discord.GuildID,
		SupportRoleID:    cfg.Discord.SupportRoleID,
		TicketCategoryID: cfg.Discord.TicketCategoryID,
		LogoURL:          cfg.Panel.LogoURL,
		GuideChannelID:   cfg.Panel.GuideChannelID,
		StatusChannelID:  cfg.Panel.StatusChannelID,
		UpdateChannelID:  cfg.Panel.UpdateChannelID,
		SiteBaseURL:      cfg.Site.BaseURL,
		ConnectPath:      cfg.Site.ConnectPath,
		RefreshPath:      cfg.Site.RefreshPath,
		PullMode:         cfg.PullMode(),
		KeepAlive:        cfg.Tickets.KeepAlive,
	}, logger)
	if err != nil {
		logger.Error("failed to init discord connector", "error", err)
		os.Exit(1)
	}

	// 2. Ticket store
	topics := ticket.NewTopicStore(dc)
	var store ticket.Store = topics
	var sqlStore *ticket.SQLiteStore
	if cfg.Tickets.Store == config.StoreSQLite {
		if err := os.MkdirAll(cfg.Tickets.DataDir, 0o755); err != nil {
			logger.Error("failed to create data dir", "path", cfg.Tickets.DataDir, "error", err)
			os.Exit(1)
		}
		dbPath := filepath.Join(cfg.Tickets.DataDir, "tickets.db")
		sqlStore, err = ticket.NewSQLiteStore(dbPath)
		if err != nil {
			logger.Error("failed to open ticket store", "path", dbPath, "error", err)
			os.Exit(1)
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	// 3. Timers and ticket lifecycle
	sched := scheduler.New(logger)
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	tickets := lifecycle.New(store, dc, sched, lifecycle.Config{
		AutoClose:     cfg.AutoClose(),
		AutoDelete:    cfg.AutoDelete(),
		SupportRoleID: cfg.Discord.SupportRoleID,
	}, lifecycle.WithLogger(logger), lifecycle.WithMetrics(metrics))

	// 4. Tier roles and the shop site
	table, err := cfg.TierTable()
	if err != nil {
		logger.Error("invalid tier table", "error", err)
		os.Exit(1)
	}
	reconciler := tier.NewReconciler(table, dc, logger, metrics)

	var siteClient bot.Site
	if cfg.PullMode() {
		siteClient = site.New(cfg.Site.BaseURL, cfg.API.Secret, site.WithMetrics(metrics))
	}

	// 5. Event dispatch
	dispatcher := bot.NewDispatcher(tickets, reconciler, siteClient, bot.Config{
		KeepAlive: cfg.Tickets.KeepAlive,
		PullMode:  cfg.PullMode(),
	}, logger, metrics)
	dc.OnEvent(dispatcher.Handle)
	dc.OnReady(func(ctx context.Context) {
		if sqlStore != nil {
			n, err := ticket.Import(ctx, topics, sqlStore)
			if err != nil {
				logger.Error("import topic tickets", "error", err)
			} else if n > 0 {
				logger.Info("imported tickets from channel topics", "count", n)
			}
		}
		rehydrate(ctx, logger, tickets, sched)

		if spec := cfg.Tickets.SweepSchedule; spec != "" {
			err := sched.AddJob("ticket-sweep", spec, func() {
				sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				rehydrate(sweepCtx, logger, tickets, sched)
			})
			if err != nil {
				logger.Error("schedule ticket sweep", "spec", spec, "error", err)
			} else {
				logger.Info("ticket sweep scheduled", "spec", spec, "jobs", sched.JobCount())
			}
		}
	})

	go safeGo(logger, "discord", func() {
		if err := dc.Start(ctx); err != nil {
			logger.Error("discord connector stopped", "error", err)
			cancel()
		}
	})

	// 6. API server
	apiSrv := api.NewServer(reconciler, api.Config{
		Host:   cfg.API.Host,
		Port:   cfg.API.Port,
		Secret: cfg.API.Secret,
	}, logger, logBuf, metrics)

	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
			cancel()
		}
	})

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
		logger.Warn("component failed, shutting down")
	}
	cancel()
	dc.Stop()
	logger.Info("deskbotd stopped")
}

func rehydrate(ctx context.Context, logger *slog.Logger, m *lifecycle.Manager, sched *scheduler.Scheduler) {
	stats, err := m.Rehydrate(ctx)
	if err != nil {
		logger.Error("rehydrate tickets", "error", err)
		return
	}
	logger.Info("ticket timers rehydrated",
		"open", stats.Open,
		"closed", stats.Closed,
		"forgotten", stats.Forgotten,
		"pending_timers", sched.TimerCount(),
	)
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
