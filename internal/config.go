package internal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/ratelimit"
)

// Config 整個應用的配置
type Config struct {
	// Environment 為 production 時連線 PostgreSQL 會啟用 SSL
	Environment string `yaml:"environment"`

	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Storage struct {
		// Driver 為 postgres 或 memory（本機開發用，重啟即遺失）
		Driver string `yaml:"driver"`
	} `yaml:"storage"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	// Redis 的 Addr 留空代表不啟用快取與分散式限流
	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		CacheTTL     time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	NATS struct {
		URL           string        `yaml:"url"`
		Stream        string        `yaml:"stream"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		MaxAge        time.Duration `yaml:"max_age"`
	} `yaml:"nats"`

	Rotation struct {
		DailyLimit int64 `yaml:"daily_limit"`
		// Timezone 決定「今天」的日曆日期，影響每日計數重置的時間點
		Timezone string `yaml:"timezone"`
	} `yaml:"rotation"`

	RateLimit struct {
		Enabled    bool  `yaml:"enabled"`
		Capacity   int64 `yaml:"capacity"`
		RefillRate int64 `yaml:"refill_rate"`
		// TrustedProxies 反向代理的 CIDR 或 IP；只有來自這些位址的
		// X-Forwarded-For / X-Real-IP 會被採用
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"ratelimit"`

	Archive struct {
		Enabled       bool `yaml:"enabled"`
		RetentionDays int  `yaml:"retention_days"`
	} `yaml:"archive"`

	Stats struct {
		PushInterval time.Duration `yaml:"push_interval"`
	} `yaml:"stats"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// LoadConfig 讀取 YAML 配置，套用預設值與環境變數覆蓋
//
// 檔案不存在時只使用預設值與環境變數，方便容器環境只靠環境變數啟動。
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	config.applyDefaults()
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 2
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 100 * time.Millisecond
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 100 * time.Millisecond
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = 5 * time.Minute
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "PHRASES"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "phrases"
	}
	if c.NATS.MaxAge == 0 {
		c.NATS.MaxAge = 7 * 24 * time.Hour
	}
	if c.Rotation.DailyLimit == 0 {
		c.Rotation.DailyLimit = 100
	}
	if c.Rotation.Timezone == "" {
		c.Rotation.Timezone = "UTC"
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 10
	}
	if c.RateLimit.RefillRate == 0 {
		c.RateLimit.RefillRate = 1
	}
	if c.Archive.RetentionDays == 0 {
		c.Archive.RetentionDays = 30
	}
	if c.Stats.PushInterval == 0 {
		c.Stats.PushInterval = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
}

// applyEnv 環境變數覆蓋（部署平台通常只給環境變數）
func (c *Config) applyEnv() {
	if env := os.Getenv("APP_ENV"); env != "" {
		c.Environment = env
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if addr, ok := os.LookupEnv("REDIS_ADDR"); ok {
		c.Redis.Addr = addr
	}
	if natsURL, ok := os.LookupEnv("NATS_URL"); ok {
		c.NATS.URL = natsURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Rotation.DailyLimit < 0 {
		return fmt.Errorf("invalid daily limit: %d", c.Rotation.DailyLimit)
	}
	if _, err := time.LoadLocation(c.Rotation.Timezone); err != nil {
		return fmt.Errorf("invalid rotation timezone %q: %w", c.Rotation.Timezone, err)
	}
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	if _, err := ratelimit.NewIPResolver(c.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		return fmt.Errorf("postgres min_conns (%d) > max_conns (%d)", c.Postgres.MinConns, c.Postgres.MaxConns)
	}
	return nil
}

// IsProduction 是否為正式環境
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Location 回傳每日重置使用的時區
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Rotation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PostgresDSN 生成 PostgreSQL 連線字串
//
// DATABASE_URL 優先。正式環境且 DSN 未指定 sslmode 時補上 sslmode=require
// （加密但不驗證憑證，與多數託管資料庫的預設相容）。
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		if !c.IsProduction() || strings.Contains(dsn, "sslmode=") {
			return dsn
		}
		if strings.Contains(dsn, "://") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			return dsn + sep + "sslmode=require"
		}
		return dsn + " sslmode=require"
	}

	sslmode := "disable"
	if c.IsProduction() {
		sslmode = "require"
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSN(c.Postgres.Host),
		c.Postgres.Port,
		quoteDSN(c.Postgres.User),
		quoteDSN(c.Postgres.Password),
		quoteDSN(c.Postgres.DBName),
		sslmode,
	)
}

// quoteDSN 以單引號包住 keyword/value 的值，空字串與含空白的值才能正確解析
func quoteDSN(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// MigrationURL golang-migrate 需要 URL 形式的連線字串
//
// 由 PostgresDSN 解析而來，因此與連線池連到同一個資料庫。
// golang-migrate 的 postgres 驅動（lib/pq）不支援 prefer/allow，
// 這兩種模式以不加密連線執行遷移。
func (c *Config) MigrationURL() (string, error) {
	dsn := c.PostgresDSN()
	if strings.Contains(dsn, "://") {
		return dsn, nil
	}

	pgConfig, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return "", fmt.Errorf("parse postgres dsn: %w", err)
	}

	query := url.Values{}
	query.Set("sslmode", migrationSSLMode(pgConfig))

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(pgConfig.User, pgConfig.Password),
		Host:   net.JoinHostPort(pgConfig.Host, strconv.Itoa(int(pgConfig.Port))),
		Path:   "/" + pgConfig.Database,
	}
	// Unix socket 以 host 參數指定目錄
	if strings.HasPrefix(pgConfig.Host, "/") {
		u.Host = ""
		query.Set("host", pgConfig.Host)
		query.Set("port", strconv.Itoa(int(pgConfig.Port)))
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// migrationSSLMode 由 pgconn 解析出的 TLS 設定反推 sslmode
func migrationSSLMode(cfg *pgconn.Config) string {
	if cfg.TLSConfig == nil {
		return "disable"
	}
	for _, fb := range cfg.Fallbacks {
		if fb.TLSConfig == nil {
			return "disable"
		}
	}
	switch {
	case !cfg.TLSConfig.InsecureSkipVerify:
		return "verify-full"
	case cfg.TLSConfig.VerifyPeerCertificate != nil:
		return "verify-ca"
	default:
		return "require"
	}
}
