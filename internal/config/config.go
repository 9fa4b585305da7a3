package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. UNICONVERT_RETENTION_MINUTES.
const EnvPrefix = "UNICONVERT"

// Config represents runtime configuration for the service.
type Config struct {
	ServerAddress            string                    `mapstructure:"server_address"`
	UploadDir                string                    `mapstructure:"upload_dir"`
	OutputDir                string                    `mapstructure:"output_dir"`
	MaxUploadMB              int64                     `mapstructure:"max_upload_mb"`
	RetentionMinutes         int                       `mapstructure:"retention_minutes"`
	SweepIntervalMinutes     int                       `mapstructure:"sweep_interval_minutes"`
	UnloadGraceSeconds       int                       `mapstructure:"unload_grace_seconds"`
	ConversionTimeoutSeconds int                       `mapstructure:"conversion_timeout_seconds"`
	BatchConcurrency         int                       `mapstructure:"batch_concurrency"`
	LogLevel                 string                    `mapstructure:"log_level"`
	CORSOrigins              []string                  `mapstructure:"cors_origins"`
	Workers                  WorkerConfig              `mapstructure:"workers"`
	Engines                  EngineConfig              `mapstructure:"engines"`
	Databases                map[string]DatabaseConfig `mapstructure:"databases"`
	Redis                    RedisConfig               `mapstructure:"redis"`
}

type WorkerConfig struct {
	Min         int `mapstructure:"min"`
	Max         int `mapstructure:"max"`
	Queue       int `mapstructure:"queue"`
	IdleSeconds int `mapstructure:"idle_seconds"`
}

// EngineConfig overrides probed tool locations. Keys are tool names such as
// "soffice" or "tesseract".
type EngineConfig struct {
	Paths   map[string]string `mapstructure:"paths"`
	OCRLang string            `mapstructure:"ocr_lang"`
	// decoded size caps for untrusted uploads
	MaxImageMegapixels int `mapstructure:"max_image_megapixels"`
	MaxDocxMB          int `mapstructure:"max_docx_mb"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_address", ":8090")
	v.SetDefault("upload_dir", "data/uploads")
	v.SetDefault("output_dir", "data/outputs")
	v.SetDefault("max_upload_mb", 100)
	v.SetDefault("retention_minutes", 120)
	v.SetDefault("sweep_interval_minutes", 30)
	v.SetDefault("unload_grace_seconds", 10)
	v.SetDefault("conversion_timeout_seconds", 300)
	v.SetDefault("batch_concurrency", 4)
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("workers.min", 2)
	v.SetDefault("workers.max", 8)
	v.SetDefault("workers.queue", 64)
	v.SetDefault("workers.idle_seconds", 60)
	v.SetDefault("engines.ocr_lang", "eng")
	v.SetDefault("engines.max_image_megapixels", 64)
	v.SetDefault("engines.max_docx_mb", 64)
	v.SetDefault("databases.sqlite3.dsn", "data/uniconvert.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
}

// Load reads configuration from the provided JSON file. An empty path falls
// back to config.json in the working directory, and a missing default file is
// not an error: defaults plus UNICONVERT_* environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		baseDir = filepath.Dir(absPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(baseDir)
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.RetentionMinutes <= 0:
		return fmt.Errorf("retention_minutes must be positive")
	case c.SweepIntervalMinutes <= 0:
		return fmt.Errorf("sweep_interval_minutes must be positive")
	case c.UnloadGraceSeconds < 0:
		return fmt.Errorf("unload_grace_seconds must not be negative")
	case c.MaxUploadMB <= 0:
		return fmt.Errorf("max_upload_mb must be positive")
	case c.UploadDir == "" || c.OutputDir == "":
		return fmt.Errorf("upload_dir and output_dir must be configured")
	case c.Engines.MaxImageMegapixels < 0 || c.Engines.MaxDocxMB < 0:
		return fmt.Errorf("engine limits must not be negative")
	}
	if c.Workers.Max > 0 && c.Workers.Min > c.Workers.Max {
		return fmt.Errorf("workers.min (%d) exceeds workers.max (%d)", c.Workers.Min, c.Workers.Max)
	}
	return nil
}

// resolvePaths makes relative directories relative to the config file.
func (c *Config) resolvePaths(baseDir string) {
	c.UploadDir = absUnder(baseDir, c.UploadDir)
	c.OutputDir = absUnder(baseDir, c.OutputDir)
	if db, ok := c.Databases["sqlite3"]; ok && db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = absUnder(baseDir, db.DSN)
		c.Databases["sqlite3"] = db
	}
}

func absUnder(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Addr is host:port with the local defaults filled in.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *Config) MaxUploadBytes() int64 { return c.MaxUploadMB << 20 }

func (c *Config) MaxImagePixels() int64 { return int64(c.Engines.MaxImageMegapixels) * 1_000_000 }

func (c *Config) MaxDocxBytes() int64 { return int64(c.Engines.MaxDocxMB) << 20 }

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c *Config) UnloadGrace() time.Duration {
	return time.Duration(c.UnloadGraceSeconds) * time.Second
}

// ConversionTimeout is zero when conversions may run unbounded.
func (c *Config) ConversionTimeout() time.Duration {
	if c.ConversionTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ConversionTimeoutSeconds) * time.Second
}

func (c *Config) WorkerIdle() time.Duration {
	return time.Duration(c.Workers.IdleSeconds) * time.Second
}
