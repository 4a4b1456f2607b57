package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mailsync/internal/backend"
	"mailsync/internal/channel"
	"mailsync/internal/counters"
	"mailsync/internal/draft"
	"mailsync/internal/events"
	"mailsync/internal/httpserver"
	"mailsync/internal/mutate"
	"mailsync/internal/notify"
	"mailsync/internal/session"
	"mailsync/internal/syncstate"
	"mailsync/internal/watch"
	"mailsync/pkg/config"
	"mailsync/pkg/db"
	"mailsync/pkg/logger"
	"mailsync/pkg/redis"
)

func main() {
	// 1. Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/base.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger()
	defer log.Sync()

	// 2. Init Redis (counter mirror + dedup); degraded but functional without it
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, running without counter mirror and dedup", zap.Error(err))
		rdb = nil
	}

	// 3. Init Postgres for the draft store
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer pool.Close()
	draftRepo := draft.NewRepository(pool)

	// 4. Mail engine HTTP client
	engine := backend.NewClient(cfg.Backend.BaseURL)

	// 5. Per-session factory: one channel, one coordinator set per session
	factory := func(ctx context.Context, id session.Identity) (*session.Session, error) {
		slog := logger.WithSession(id.SessionID, log)

		transport := channel.NewAMQPTransport(cfg.MQ.URL, id.SessionID, slog)
		mgr := channel.NewManager(id.SessionID, transport, slog,
			channel.WithBackoff(cfg.Sync.ReconnectMinBackoff.Std(), cfg.Sync.ReconnectMaxBackoff.Std()),
		)

		cache := counters.NewCache(rdb, "counters:"+id.SessionID, slog)
		deduper := notify.NewDeduper(rdb, cfg.Sync.DedupTTL.Std(), slog)
		dispatcher := notify.NewDispatcher(
			cache,
			deduper,
			notify.LogAlerter{Logger: slog},
			notify.StaticPreferences{Sound: true, Desktop: true},
			slog,
		)
		// 默认监听者：浏览器端接管前先记录事件
		dispatcher.RegisterOnce(id.SessionID, func(_ events.Event, p events.NewMailPayload) {
			slog.Info("New mail",
				zap.String("account", p.AccountID),
				zap.String("folder", p.FolderPath),
				zap.Int("count", p.Count),
			)
		})

		tracker := syncstate.NewTracker(slog,
			syncstate.WithDelays(cfg.Sync.CompletedClearDelay.Std(), cfg.Sync.ErrorClearDelay.Std()),
			syncstate.WithRefresh(func(accountID string) {
				go func() {
					if err := engine.RefreshFolders(context.Background(), accountID); err != nil {
						slog.Warn("Post-sync folder refresh failed",
							zap.String("account", accountID),
							zap.Error(err),
						)
					}
				}()
			}),
		)

		coord := watch.NewCoordinator(mgr, engine, slog,
			watch.WithWarnFunc(func(accountID, reason string) {
				slog.Warn("Account watch degraded",
					zap.String("account", accountID),
					zap.String("reason", reason),
				)
			}),
		)

		drafts := draft.NewEngine(draftRepo, cfg.Sync.AutosaveQuiet.Std(), slog)
		mutator := mutate.NewCoordinator(slog, nil)
		messages := mutate.NewMessageState()

		reconcile := func(ctx context.Context) {
			if err := cache.Reconcile(ctx, engine); err != nil {
				slog.Error("Post-reconnect reconciliation failed", zap.Error(err))
			}
		}
		background := func(ctx context.Context) {
			cache.StartReconciler(ctx, engine, cfg.Sync.ReconcileInterval.Std())
		}

		return session.NewSession(ctx, id, mgr, coord, dispatcher, cache, tracker,
			drafts, mutator, messages, reconcile, background, slog)
	}

	registry := session.NewRegistry(factory, log)

	// 6. HTTP surface
	handler := httpserver.NewHandler(registry, engine, log)
	router := httpserver.NewRouter(handler, cfg.JWT.Secret)

	go func() {
		if err := router.Run(cfg.Server.Port); err != nil {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	// 7. Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("Shutting down, closing sessions")
	registry.CloseAll()
}
