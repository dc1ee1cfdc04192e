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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/archive"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/events"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/handler"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/migrations"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/ratelimit"
	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/storage"
	"github.com/koopa0/system-design/14-phrase-of-the-day/pkg/logger"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// 載入配置
	config, err := internal.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log, err := logger.Init(logger.Options{
		Level:     config.Log.Level,
		Format:    config.Log.Format,
		Output:    config.Log.Output,
		AddSource: config.Log.AddSource,
		Location:  config.Location(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(config, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// run 組裝所有元件並阻塞到收到關閉訊號
func run(config *internal.Config, log *slog.Logger) error {
	ctx := context.Background()

	var (
		store  phrase.Store
		checks []handler.Option
	)

	// 存儲
	switch config.Storage.Driver {
	case "memory":
		log.Warn("using in-memory storage, data is lost on restart")
		store = storage.NewMemory()

	default:
		pool, err := connectPostgres(ctx, config)
		if err != nil {
			return err
		}
		defer pool.Close()

		// 執行資料庫遷移
		migrationURL, err := config.MigrationURL()
		if err != nil {
			return err
		}
		if err := migrations.Run(migrationURL, log); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		pg := storage.NewPostgres(pool, log)
		store = pg
		checks = append(checks, handler.WithReadinessCheck("postgres", pg.Ping))
	}

	// Redis（可選）：短句清單快取 + 分散式限流
	var redisClient *redis.Client
	if config.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			MinIdleConns: config.Redis.MinIdleConns,
			MaxRetries:   config.Redis.MaxRetries,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		cached := storage.NewCachedStore(store, redisClient, config.Redis.CacheTTL, log)

		// Redis 只是加速層，連不上時降級而非中止啟動
		if err := cached.Ping(ctx); err != nil {
			log.Warn("redis unavailable at startup, cache will degrade", "addr", config.Redis.Addr, "error", err)
		}

		store = cached
		checks = append(checks, handler.WithReadinessCheck("redis", cached.Ping))
	}

	// NATS（可選）：領域事件
	var publisher phrase.Publisher = events.NopPublisher{}
	if config.NATS.URL != "" {
		natsPublisher, err := events.NewNATSPublisher(events.Config{
			URL:           config.NATS.URL,
			Stream:        config.NATS.Stream,
			SubjectPrefix: config.NATS.SubjectPrefix,
			MaxAge:        config.NATS.MaxAge,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer func() {
			if err := natsPublisher.Close(); err != nil {
				log.Warn("close nats failed", "error", err)
			}
		}()

		publisher = natsPublisher
		checks = append(checks, handler.WithReadinessCheck("nats", natsPublisher.Ping))
	}

	// 即時統計推送
	hub := handler.NewStatsHub(log, config.Stats.PushInterval)

	svc := phrase.New(store,
		phrase.WithDailyLimit(config.Rotation.DailyLimit),
		phrase.WithLocation(config.Location()),
		phrase.WithPublisher(publisher),
		phrase.WithObserver(hub),
		phrase.WithLogger(log),
	)
	if err := svc.Init(ctx); err != nil {
		return err
	}
	// 在 NATS 的 defer 之後註冊，先排空事件佇列再關閉連線
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Warn("drain events failed", "error", err)
		}
	}()

	hub.Start(svc)
	defer hub.Stop()

	// 每日歸檔
	if config.Archive.Enabled {
		scheduler := archive.NewScheduler(store, log,
			archive.WithLocation(config.Location()),
			archive.WithRetentionDays(config.Archive.RetentionDays),
		)
		scheduler.Start()
		defer scheduler.Stop()
	}

	opts := append([]handler.Option{handler.WithStatsHub(hub)}, checks...)
	if config.RateLimit.Enabled {
		limiter, err := newRateLimiter(config, redisClient, log)
		if err != nil {
			return err
		}
		opts = append(opts, handler.WithRateLimit(limiter))
	}
	h := handler.New(svc, log, opts...)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", config.Server.Port,
			"storage", config.Storage.Driver,
			"daily_limit", svc.DailyLimit(),
			"timezone", svc.Location().String(),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	return nil
}

// connectPostgres 建立連線池並確認可連線
func connectPostgres(ctx context.Context, config *internal.Config) (*pgxpool.Pool, error) {
	pgConfig, err := pgxpool.ParseConfig(config.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = config.Postgres.MaxConns
	pgConfig.MinConns = config.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// newRateLimiter 有 Redis 時用分散式令牌桶，否則用本地令牌桶
//
// 只有來自 trusted_proxies 的連線才採用轉送標頭中的客戶端 IP。
func newRateLimiter(config *internal.Config, redisClient *redis.Client, log *slog.Logger) (func(http.Handler) http.Handler, error) {
	resolver, err := ratelimit.NewIPResolver(config.RateLimit.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}

	var limiter ratelimit.LimiterFunc
	if redisClient != nil {
		limiter = ratelimit.NewDistributedTokenBucket(redisClient, config.RateLimit.Capacity, config.RateLimit.RefillRate).Allow
	} else {
		limiter = ratelimit.NewTokenBucket(config.RateLimit.Capacity, config.RateLimit.RefillRate).Allow
	}

	return ratelimit.Middleware(ratelimit.Config{
		Limiter: limiter,
		KeyFunc: resolver.Key,
		Logger:  log,
	}), nil
}
