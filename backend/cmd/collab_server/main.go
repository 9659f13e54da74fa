package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"flowcollab/backend/config"
	"flowcollab/backend/internal/broadcast"
	"flowcollab/backend/internal/cache"
	"flowcollab/backend/internal/collab"
	"flowcollab/backend/internal/httpapi/handlers"
	"flowcollab/backend/internal/httpapi/middleware"
	"flowcollab/backend/internal/store"
	"flowcollab/backend/internal/ws"
)

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	configPath := flag.String("config", "", "path to collabConfig.yaml (searched in the usual places when empty)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("init config failed", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("collab server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineOpts := collab.Options{
		MaxLogEntries:     cfg.Collab.MaxLogEntries,
		ActivityWindow:    cfg.Collab.ActivityWindow,
		PresenceTTL:       cfg.Collab.PresenceTTL,
		InactivityTimeout: cfg.Collab.InactivityTimeout,
		DisposeGrace:      cfg.Collab.DisposeGrace,
		ApplyTimeout:      cfg.Collab.ApplyTimeout,
		PresenceTimeout:   cfg.Collab.PublishTimeout,
		Logger:            logger,
	}

	// === Redis: presence record + cross-instance pub/sub ===
	var (
		pubsub   broadcast.PubSub
		presence cache.PresenceCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		// more than one address yields a cluster client
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		presence = cache.NewRedisPresence(rdb)
		pubsub = broadcast.NewRedisPubSub(rdb)
		engineOpts.Presence = presence
	} else {
		logger.Warn("redis not configured, running as a single instance")
	}

	// === document + snapshot store ===
	var (
		applier   collab.DocumentApplier
		snapshots handlers.SnapshotReader
	)
	switch cfg.Store.Driver {
	case "mysql":
		gdb, err := store.InitMySQL(cfg.Store.DSN, store.PoolOptions{
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		db, err := gdb.DB()
		if err != nil {
			return err
		}
		defer db.Close()

		flowStore := store.NewFlowStore(gdb)
		snapshotStore := store.NewSnapshotStore(db)
		if cfg.Store.AutoMigrate {
			if err := flowStore.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate flow tables: %w", err)
			}
			if err := snapshotStore.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("create snapshot table: %w", err)
			}
		}
		applier = flowStore
		snapshots = snapshotStore
		engineOpts.Snapshots = flowStore
		engineOpts.Archive = snapshotStore
	default:
		flowStore := store.NewMemoryFlowStore()
		snapshotStore := store.NewMemorySnapshotStore()
		applier = flowStore
		snapshots = snapshotStore
		engineOpts.Snapshots = flowStore
		engineOpts.Archive = snapshotStore
	}

	// === Kafka operation stream ===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer requires Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		kafkaCfg.Producer.Partitioner = sarama.NewHashPartitioner
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.MaxInFlight),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      logger,
			},
		)
		engineOpts.Events = dispatcher
	}

	// === collaboration core ===
	bc := broadcast.New(pubsub, broadcast.Options{
		Origin:         cfg.Running.Instance,
		PublishTimeout: cfg.Collab.PublishTimeout,
		Logger:         logger,
	})
	if err := bc.Start(ctx); err != nil {
		return fmt.Errorf("subscribe flow events: %w", err)
	}
	engine := collab.NewEngine(applier, bc, engineOpts)
	scheduler := collab.NewScheduler(engine, cfg.Collab.CleanupInterval, logger)
	scheduler.Start(ctx)

	hub := ws.NewHub()
	detach := hub.Attach(bc)
	manager := ws.NewManager(hub, engine, collab.NewSemaphoreControl(cfg.HTTP.MaxSubmits), ws.ManagerOptions{
		AllowedOrigins: cfg.HTTP.WSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Logger:         logger,
	})
	flows := handlers.NewFlowHandler(engine, presence, snapshots)

	// === HTTP ===
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if len(cfg.HTTP.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.HTTP.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	group := r.Group("/collab")
	group.GET("/healthz", func(c *gin.Context) {
		body := gin.H{
			"message":  "ok",
			"instance": bc.Origin(),
			"sessions": engine.ActiveSessions(),
		}
		if dispatcher != nil {
			body["kafka"] = dispatcher.Stats()
		}
		c.JSON(http.StatusOK, body)
	})
	authed := group.Group("")
	authed.Use(middleware.Identity(cfg.Auth.JWTSecret))
	authed.GET("/ws", manager.WebSocketConnect)
	flows.Register(authed)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collab server listening", "addr", srv.Addr, "instance", bc.Origin(), "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		scheduler.Stop()
		if serr := engine.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("engine shutdown incomplete", "err", serr)
		}
		detach()
		if cerr := bc.Close(); cerr != nil {
			logger.Warn("close subscription failed", "err", cerr)
		}
		if dispatcher != nil {
			dispatcher.Close()
		}
		return err
	})
	return g.Wait()
}
