package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/maxphoton/PiggyBank/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// FeedConfig captures asset feed connectivity.
type FeedConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	UseFixture     bool          `mapstructure:"use_fixture"`
	FixturePath    string        `mapstructure:"fixture_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// SnapshotConfig locates the persisted asset snapshot.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// TelegramConfig 描述 Telegram Bot API 参数。
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	AdminID        int64         `mapstructure:"admin_id"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	AppURL         string        `mapstructure:"app_url"`
}

// DispatchConfig tunes notification fan-out.
type DispatchConfig struct {
	SendInterval    time.Duration `mapstructure:"send_interval"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	BroadcastLogDir string        `mapstructure:"broadcast_log_dir"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Dir      string `mapstructure:"dir"`
	TopLimit int    `mapstructure:"top_limit"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIGGYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "piggybot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70696767))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("feed.use_fixture", false)
	v.SetDefault("feed.fixture_path", "test_api.json")
	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.user_agent", "piggybot/1.0")

	v.SetDefault("snapshot.path", "assets_data.json")

	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("telegram.app_url", "https://app.piggybank.fi/")

	v.SetDefault("dispatch.send_interval", "50ms")
	v.SetDefault("dispatch.send_timeout", "10s")
	v.SetDefault("dispatch.broadcast_log_dir", "broadcast_logs")

	v.SetDefault("export.dir", "export")
	v.SetDefault("export.top_limit", 5)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	if c.Feed.UseFixture {
		if c.Feed.FixturePath == "" {
			return fmt.Errorf("feed.fixture_path is required when feed.use_fixture is set")
		}
	} else if c.Feed.APIURL == "" {
		return fmt.Errorf("feed.api_url is required (or enable feed.use_fixture)")
	}
	if c.Dispatch.SendInterval < 0 {
		return fmt.Errorf("dispatch.send_interval cannot be negative")
	}
	if c.Export.TopLimit <= 0 {
		return fmt.Errorf("export.top_limit must be greater than zero")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token 必须配置")
		}
		if c.Telegram.AdminID == 0 {
			return fmt.Errorf("telegram.admin_id 必须配置")
		}
	}
	return nil
}
