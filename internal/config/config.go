package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir         string
		MaxConcurrent   int
		PerUserLimit    int
		ResolveTimeout  time.Duration
		TransferTimeout time.Duration
		DeliveryTimeout time.Duration
	}
	Transfer struct {
		MaxSize         int64
		MultiConnection bool
		MaxSegments     int
		MinSegmentSize  int64
		Retries         int
		Backoff         time.Duration
		ChunkSize       int
		UserAgent       string
	}
	Resolver struct {
		AllowPlaylists bool
		AllowM3U8      bool
		YtDlpPath      string
	}
	Cache struct {
		Capacity      int
		FlushInterval time.Duration
	}
	Quota struct {
		DefaultBalance int64
		Cost           int64
		Window         time.Duration
		WindowLimit    int
		WindowMode     string
		UnlimitedUsers []int64 `mapstructure:"-"`
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
		LocalDir  string
		URLExpiry time.Duration
	}
	AWS struct {
		Profile string
	}
	NATS struct {
		URL           string
		SubjectPrefix string
	}
	Auth struct {
		JWTSecret  string
		AdminUsers []int64 `mapstructure:"-"`
	}
	HTTP struct {
		RateLimit float64
		Burst     int
	}
	Telemetry struct {
		Enabled bool
	}
}

// Load reads configuration from environment variables, an optional .env
// file and an optional config file in the working directory.
func Load() (Config, error) {
	// OS environment wins over .env
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MEDIAFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "data/mediafetch.db")

	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.maxconcurrent", 8)
	v.SetDefault("download.peruserlimit", 2)
	v.SetDefault("download.resolvetimeout", 45*time.Second)
	v.SetDefault("download.transfertimeout", 30*time.Minute)
	v.SetDefault("download.deliverytimeout", 5*time.Minute)

	v.SetDefault("transfer.maxsize", int64(2<<30))
	v.SetDefault("transfer.multiconnection", true)
	v.SetDefault("transfer.maxsegments", 16)
	v.SetDefault("transfer.minsegmentsize", int64(1<<20))
	v.SetDefault("transfer.retries", 3)
	v.SetDefault("transfer.backoff", 500*time.Millisecond)
	v.SetDefault("transfer.chunksize", 256<<10)
	v.SetDefault("transfer.useragent", "")

	v.SetDefault("resolver.allowplaylists", false)
	v.SetDefault("resolver.allowm3u8", false)
	v.SetDefault("resolver.ytdlppath", "")

	v.SetDefault("cache.capacity", 5000)
	v.SetDefault("cache.flushinterval", 5*time.Minute)

	v.SetDefault("quota.defaultbalance", 5)
	v.SetDefault("quota.cost", 1)
	v.SetDefault("quota.window", time.Hour)
	v.SetDefault("quota.windowlimit", 20)
	v.SetDefault("quota.windowmode", "fixed")
	v.SetDefault("quota.unlimitedusers", "")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "mediafetch")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.localdir", "data/library")
	v.SetDefault("storage.urlexpiry", 24*time.Hour)
	v.SetDefault("aws.profile", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectprefix", "mediafetch")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.adminusers", "")

	v.SetDefault("http.ratelimit", 10.0)
	v.SetDefault("http.burst", 20)

	v.SetDefault("telemetry.enabled", false)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var err error
	if cfg.Quota.UnlimitedUsers, err = idList(v.Get("quota.unlimitedusers")); err != nil {
		return Config{}, fmt.Errorf("quota.unlimitedusers: %w", err)
	}
	if cfg.Auth.AdminUsers, err = idList(v.Get("auth.adminusers")); err != nil {
		return Config{}, fmt.Errorf("auth.adminusers: %w", err)
	}

	switch strings.ToLower(cfg.Quota.WindowMode) {
	case "fixed", "sliding":
		cfg.Quota.WindowMode = strings.ToLower(cfg.Quota.WindowMode)
	default:
		return Config{}, fmt.Errorf("quota.windowmode must be fixed or sliding, got %q", cfg.Quota.WindowMode)
	}
	return cfg, nil
}

// idList accepts "1,2 3" strings from the environment or arrays from config files.
func idList(raw any) ([]int64, error) {
	if raw == nil {
		return nil, nil
	}
	if str, ok := raw.(string); ok {
		raw = strings.FieldsFunc(str, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	}
	ids, err := cast.ToInt64SliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid user id list %v", raw)
	}
	return ids, nil
}
