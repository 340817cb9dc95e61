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

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"huddle/internal/config"
	"huddle/internal/domain"
	"huddle/internal/httpserver"
	"huddle/internal/hub"
	"huddle/internal/logging"
	"huddle/internal/scheduler"
	"huddle/internal/security"
	"huddle/internal/service"
	badgerstore "huddle/internal/store/badger"
	"huddle/internal/store/postgres"
	redisstore "huddle/internal/store/redis"
	"huddle/internal/store/sqlite"
	"huddle/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

type repositories struct {
	ping     func(ctx context.Context) error
	users    domain.UserRepository
	convs    domain.ConversationRepository
	messages domain.MessageRepository
	closers  []func() error
}

func (r *repositories) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

func openStores(cfg *config.Config, log *slog.Logger) (*repositories, error) {
	repos := &repositories{}

	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		repos.closers = append(repos.closers, db.Close)
		if err := postgres.Migrate(db); err != nil {
			repos.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		repos.ping = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		}
		repos.users = postgres.NewUserRepo(db)
		repos.convs = postgres.NewConversationRepo(db)
		repos.messages = postgres.NewMessageRepo(db)
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		repos.closers = append(repos.closers, db.Close)
		if err := sqlite.Migrate(db); err != nil {
			repos.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		repos.ping = func(ctx context.Context) error { return sqlite.Ping(ctx, db) }
		repos.users = sqlite.NewUserRepo(db)
		repos.convs = sqlite.NewConversationRepo(db)
		repos.messages = sqlite.NewMessageRepo(db)
	}

	if cfg.MessageLog == "badger" {
		bdb, err := badgerstore.Open(cfg.BadgerPath, log)
		if err != nil {
			repos.Close()
			return nil, fmt.Errorf("open badger: %w", err)
		}
		repos.closers = append(repos.closers, bdb.Close)
		repos.messages = badgerstore.NewMessageRepo(bdb, log)
	}
	log.Info("stores opened", "driver", cfg.StoreDriver, "message_log", cfg.MessageLog)
	return repos, nil
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer repos.Close()

	var mirror service.PresenceMirror
	if cfg.RedisAddr != "" {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		mirror = redisstore.NewPresenceStore(client, 3*cfg.PresenceSweepInterval)
		log.Info("presence mirror enabled", "addr", cfg.RedisAddr)
	}

	var cipher service.BodyCipher
	if cfg.EncryptKey != "" {
		enc, err := security.NewEncryptor([]byte(cfg.EncryptKey))
		if err != nil {
			return fmt.Errorf("init encryptor: %w", err)
		}
		cipher = enc
	}

	tokens := security.NewTokenService(cfg.JWTSecret, time.Hour)
	clock := clockwork.NewRealClock()
	sessions := hub.New()

	convs := service.NewConversationService(repos.convs, repos.messages, repos.users, cipher, clock, log,
		service.ConversationConfig{
			MaxMessageRunes: cfg.MaxMessageRune,
			DefaultPageSize: cfg.DefaultPage,
			MaxPageSize:     cfg.MaxPageSize,
			LockTimeout:     cfg.LockTimeout,
			CacheSize:       cfg.ConvCacheSize,
		})
	defer convs.Close()
	presence := service.NewPresenceRegistry(repos.users, convs, sessions, mirror, clock, log,
		service.PresenceConfig{
			GracePeriod:  cfg.PresenceGracePeriod,
			AwayAfter:    cfg.PresenceAwayAfter,
			MultiSession: cfg.PresenceMultiSession,
			SendBuffer:   cfg.WSSendBuffer,
			LockTimeout:  cfg.LockTimeout,
		})
	defer presence.Close()
	delivery := service.NewDeliveryPipeline(convs, repos.messages, sessions, log, service.DeliveryConfig{
		Echo:           cfg.DeliveryEcho,
		PendingTimeout: cfg.DeliveryPendingTimeout,
	})
	calls := service.NewCallCoordinator(convs, sessions, clock, log, service.CallConfig{
		AllowMultiScreenShare: cfg.CallMultiScreenShare,
		LockTimeout:           cfg.LockTimeout,
		UnjoinedTimeout:       cfg.CallUnjoinedTimeout,
		Retention:             cfg.CallRetention,
	})
	presence.OnOffline(calls.LeaveAll)

	sched, err := scheduler.New(clock, log)
	if err != nil {
		return err
	}
	jobs := []scheduler.Job{
		{
			Name:     "presence-idle-sweep",
			Interval: cfg.PresenceSweepInterval,
			Run: func(ctx context.Context, now time.Time) error {
				if n := presence.SweepIdle(ctx, now); n > 0 {
					log.Debug("users went away", "count", n)
				}
				return nil
			},
		},
		{
			Name:     "delivery-overdue-sweep",
			Interval: cfg.DeliverySweepInterval,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := delivery.SweepOverdue(ctx, now)
				return err
			},
		},
		{
			Name:     "call-reaper",
			Interval: cfg.CallSweepInterval,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := calls.Reap(ctx, now)
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Add(ctx, job); err != nil {
			return err
		}
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Config:   cfg,
		Log:      log,
		Tokens:   tokens,
		Users:    service.NewUserService(repos.users, presence),
		Convs:    convs,
		Delivery: delivery,
		Calls:    calls,
		Stream: ws.NewHandler(presence, delivery, convs, log, ws.Config{
			AllowedOrigins: cfg.CORSOrigins,
		}),
		Ping: repos.ping,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", cfg.HTTPAddr(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		return sched.Stop()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websocket connections are not covered by Shutdown.
		if n := sessions.CloseAll(); n > 0 {
			log.Info("closed streaming sessions", "count", n)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
