package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MEDIAGRAB_"

type Config struct {
	Logger     logster.Config  `yaml:"logger"`
	HttpServer HTTPServer      `yaml:"httpServer"`
	Database   DatabaseConfig  `yaml:"database"`
	Storage    StorageConfig   `yaml:"storage"`
	Engine     EngineConfig    `yaml:"engine"`
	Sessions   SessionsConfig  `yaml:"sessions"`
	Auth       AuthConfig      `yaml:"auth"`
	Platforms  PlatformsConfig `yaml:"platforms"`
}

type HTTPServer struct {
	Addr      string `yaml:"Addr"`
	Port      string `yaml:"Port"`
	StaticDir string `yaml:"static_dir"`
	Debug     bool   `yaml:"debug"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite | mysql
	Path         string `yaml:"path"`   // sqlite file
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	Charset      string `yaml:"charset"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type StorageConfig struct {
	Root string `yaml:"root"`
}

type EngineConfig struct {
	Workers         int           `yaml:"workers"`
	LogCap          int           `yaml:"log_cap"`
	CancelGrace     time.Duration `yaml:"cancel_grace"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

type SessionsConfig struct {
	Backend string        `yaml:"backend"` // memory | redis
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	Secret       string `yaml:"secret"`
	CookieName   string `yaml:"cookie_name"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

type PlatformsConfig struct {
	UserAgent      string        `yaml:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WeiboAPIBase   string        `yaml:"weibo_api_base"`
	WeiboPageDelay time.Duration `yaml:"weibo_page_delay"`
	TmdPath        string        `yaml:"tmd_path"`
	YtdlpPath      string        `yaml:"ytdlp_path"`
}

// LoadConfig reads the yaml file into cfg. A .env file next to the working directory is
// loaded first (if present) and MEDIAGRAB_* variables override secrets and addresses.
func LoadConfig(filename string, cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return err
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	setString("ADDR", &cfg.HttpServer.Addr)
	setString("PORT", &cfg.HttpServer.Port)
	setString("STORAGE_ROOT", &cfg.Storage.Root)
	setString("DB_DRIVER", &cfg.Database.Driver)
	setString("DB_PATH", &cfg.Database.Path)
	setString("DB_PASSWORD", &cfg.Database.Password)
	setString("AUTH_SECRET", &cfg.Auth.Secret)
	setString("REDIS_ADDR", &cfg.Sessions.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Sessions.Redis.Password)
	setString("TMD_PATH", &cfg.Platforms.TmdPath)
	setString("YTDLP_PATH", &cfg.Platforms.YtdlpPath)

	if v, ok := os.LookupEnv(envPrefix + "WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Logger.Project == "" {
		cfg.Logger.Project = "mediagrab"
	}
	if cfg.HttpServer.Port == "" {
		cfg.HttpServer.Port = "8000"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/mediagrab.db"
	}
	if cfg.Database.Charset == "" {
		cfg.Database.Charset = "utf8mb4"
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "."
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 3
	}
	if cfg.Engine.LogCap <= 0 {
		cfg.Engine.LogCap = 500
	}
	if cfg.Engine.CancelGrace <= 0 {
		cfg.Engine.CancelGrace = 10 * time.Second
	}
	if cfg.Engine.PersistInterval <= 0 {
		cfg.Engine.PersistInterval = time.Second
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
	if cfg.Sessions.TTL <= 0 {
		cfg.Sessions.TTL = 7 * 24 * time.Hour
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "mediagrab_session"
	}
	if cfg.Platforms.UserAgent == "" {
		cfg.Platforms.UserAgent = "Mozilla/5.0 (Linux; Android 10; SM-G981B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0.3987.162 Mobile Safari/537.36"
	}
	if cfg.Platforms.RequestTimeout <= 0 {
		cfg.Platforms.RequestTimeout = 15 * time.Second
	}
	if cfg.Platforms.WeiboAPIBase == "" {
		cfg.Platforms.WeiboAPIBase = "https://m.weibo.cn"
	}
	if cfg.Platforms.WeiboPageDelay <= 0 {
		cfg.Platforms.WeiboPageDelay = 500 * time.Millisecond
	}
	if cfg.Platforms.TmdPath == "" {
		cfg.Platforms.TmdPath = "bin/tmd"
	}
	if cfg.Platforms.YtdlpPath == "" {
		cfg.Platforms.YtdlpPath = "yt-dlp"
	}
}
