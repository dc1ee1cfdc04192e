// Package testutils 提供測試用的容器與輔助函數
//
// 整合測試以 testcontainers 啟動真正的 PostgreSQL / Redis / NATS，
// 在 -short 模式下略過。容器會在測試結束時自動清理。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/migrations"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient    *redis.Client
	PostgresPool   *pgxpool.Pool
	RedisContainer tc.Container
	PgContainer    tc.Container
	PostgresDSN    string
	NATSContainer  tc.Container
	NATSURL        string
	Logger         *slog.Logger
}

// TestLogger 只輸出警告以上的日誌，減少測試噪音
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// SetupTestEnvironment 同時啟動 PostgreSQL 與 Redis
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	env := SetupPostgres(t)
	env.setupRedis(t)
	return env
}

// SetupPostgres 啟動 PostgreSQL 容器並執行遷移
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupPostgres(t)
//	    store := storage.NewPostgres(env.PostgresPool, env.Logger)
//	}
func SetupPostgres(t testing.TB) *TestEnvironment {
	t.Helper()
	skipIfShort(t)

	env := &TestEnvironment{Logger: TestLogger()}
	t.Cleanup(env.Cleanup)

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.WithSQLDriver("pgx"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.PgContainer = pgContainer

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	if err := migrations.Run(dsn, env.Logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 20
	config.MinConns = 2

	env.PostgresPool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.PostgresPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	return env
}

// SetupRedis 只啟動 Redis 容器
func SetupRedis(t testing.TB) *TestEnvironment {
	t.Helper()
	skipIfShort(t)

	env := &TestEnvironment{Logger: TestLogger()}
	t.Cleanup(env.Cleanup)

	env.setupRedis(t)
	return env
}

func (env *TestEnvironment) setupRedis(t testing.TB) {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.RedisContainer = redisContainer

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// SetupNATS 啟動啟用 JetStream 的 NATS 容器
//
// testcontainers 沒有另外引入 NATS 模組，直接用 GenericContainer。
func SetupNATS(t testing.TB) *TestEnvironment {
	t.Helper()
	skipIfShort(t)

	env := &TestEnvironment{Logger: TestLogger()}
	t.Cleanup(env.Cleanup)

	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	env.NATSContainer = container

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("failed to get nats endpoint: %v", err)
	}
	env.NATSURL = endpoint

	return env
}

// Cleanup 關閉連線並終止容器
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}
	if env.PostgresPool != nil {
		env.PostgresPool.Close()
	}
	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
	if env.PgContainer != nil {
		_ = env.PgContainer.Terminate(ctx)
	}
	if env.NATSContainer != nil {
		_ = env.NATSContainer.Terminate(ctx)
	}
}

// ResetPostgres 清空短句與歸檔，並刪除輪替狀態（測試之間呼叫）
func (env *TestEnvironment) ResetPostgres(t testing.TB) {
	t.Helper()

	_, err := env.PostgresPool.Exec(context.Background(),
		`TRUNCATE TABLE phrases, daily_request_history, app_config RESTART IDENTITY`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

// FlushRedis 清空 Redis
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	if err := env.RedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

func skipIfShort(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}
