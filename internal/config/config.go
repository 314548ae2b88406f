package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"nudge/internal/domain"
	"nudge/internal/timeparse"
)

// EnvPrefix is prepended to every environment override, with dots in keys
// replaced by underscores: outreach.min_gap is NUDGE_OUTREACH_MIN_GAP.
const EnvPrefix = "NUDGE"

type Config struct {
	Timezone   string `mapstructure:"timezone"`
	LogLevel   string `mapstructure:"log_level"`
	LogConsole bool   `mapstructure:"log_console"`
	DBPath     string `mapstructure:"db_path"`
	HTTPAddr   string `mapstructure:"http_addr"`
	DryRun     bool   `mapstructure:"dry_run"`

	Store     StoreConfig     `mapstructure:"store"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Messenger MessengerConfig `mapstructure:"messenger"`
	Reminders RemindersConfig `mapstructure:"reminders"`
	Outreach  OutreachConfig  `mapstructure:"outreach"`
}

type StoreConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	Version     string        `mapstructure:"version"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Workers     int           `mapstructure:"workers"`
}

type DatabasesConfig struct {
	Tasks        string `mapstructure:"tasks"`
	Memory       string `mapstructure:"memory"`
	Observations string `mapstructure:"observations"`
}

type MessengerConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	UserID     string        `mapstructure:"user_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RemindersConfig struct {
	Cooldown    time.Duration `mapstructure:"cooldown"`
	Interval    time.Duration `mapstructure:"interval"`
	DefaultTime string        `mapstructure:"default_time"`
}

type OutreachConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	WindowStart   int           `mapstructure:"window_start"`
	WindowEnd     int           `mapstructure:"window_end"`
	MinGap        time.Duration `mapstructure:"min_gap"`
	ErrorCooldown time.Duration `mapstructure:"error_cooldown"`
	Memories      int           `mapstructure:"memories"`
	Observations  int           `mapstructure:"observations"`
}

var defaults = map[string]any{
	"timezone":    "Asia/Seoul",
	"log_level":   "info",
	"log_console": false,
	"db_path":     "nudge.db",
	"http_addr":   ":8080",
	"dry_run":     false,

	"store.base_url":     "https://api.notion.com/v1",
	"store.token":        "",
	"store.version":      "2022-06-28",
	"store.max_attempts": 3,
	"store.base_delay":   time.Second,
	"store.workers":      4,

	"databases.tasks":        "",
	"databases.memory":       "",
	"databases.observations": "",

	"messenger.webhook_url": "",
	"messenger.user_id":     "",
	"messenger.timeout":     10 * time.Second,

	"reminders.cooldown":     3 * time.Hour,
	"reminders.interval":     5 * time.Minute,
	"reminders.default_time": "09:00",

	"outreach.interval":       30 * time.Minute,
	"outreach.window_start":   11,
	"outreach.window_end":     1,
	"outreach.min_gap":        12 * time.Hour,
	"outreach.error_cooldown": 5 * time.Minute,
	"outreach.memories":       3,
	"outreach.observations":   1,
}

// New returns a viper instance with defaults and NUDGE_ environment
// overrides. Callers may bind flags onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and decodes it.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, ok := timeparse.ParseTimeOfDay(c.Reminders.DefaultTime); !ok {
		errs = append(errs, fmt.Errorf("reminders.default_time %q is not HH:MM", c.Reminders.DefaultTime))
	}

	o := c.Outreach
	for name, h := range map[string]int{"outreach.window_start": o.WindowStart, "outreach.window_end": o.WindowEnd} {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("%s must be an hour in 0-23, got %d", name, h))
		}
	}
	if o.WindowStart == o.WindowEnd {
		errs = append(errs, fmt.Errorf("outreach window start and end are both %d", o.WindowStart))
	}

	for name, d := range map[string]time.Duration{
		"store.base_delay":        c.Store.BaseDelay,
		"messenger.timeout":       c.Messenger.Timeout,
		"reminders.cooldown":      c.Reminders.Cooldown,
		"reminders.interval":      c.Reminders.Interval,
		"outreach.interval":       o.Interval,
		"outreach.min_gap":        o.MinGap,
		"outreach.error_cooldown": o.ErrorCooldown,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Store.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("store.max_attempts must be at least 1, got %d", c.Store.MaxAttempts))
	}
	if c.Store.Workers < 1 {
		errs = append(errs, fmt.Errorf("store.workers must be at least 1, got %d", c.Store.Workers))
	}
	for name, n := range map[string]int{"outreach.memories": o.Memories, "outreach.observations": o.Observations} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, n))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone. It falls back to UTC only for an invalid
// name, which Validate already rejects.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultTime is the parsed reminders.default_time.
func (c Config) DefaultTime() domain.TimeOfDay {
	t, ok := timeparse.ParseTimeOfDay(c.Reminders.DefaultTime)
	if !ok {
		return domain.TimeOfDay{Hour: 9}
	}
	return t
}
