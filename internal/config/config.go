// Package config loads service configuration from .env, an optional YAML
// automation file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"outreach/internal/model"
	"outreach/internal/quota"
	"outreach/internal/window"
)

type Config struct {
	DSN      string  `yaml:"db_dsn" validate:"required"`
	Port     string  `yaml:"port" validate:"required,numeric"`
	Timezone string  `yaml:"timezone" validate:"required"`
	Log      Log     `yaml:"log"`
	Limits   Limits  `yaml:"limits"`
	Windows  Windows `yaml:"windows"`
	Engine   Engine  `yaml:"engine"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// Limits are the default daily limits per action kind.
type Limits struct {
	Scan          int `yaml:"scan" validate:"gte=0"`
	FriendRequest int `yaml:"friend_request" validate:"gte=0"`
	Message       int `yaml:"message" validate:"gte=0"`
}

// Windows holds "HH:MM-HH:MM[,HH:MM-HH:MM]" sets and the friend request start time.
type Windows struct {
	Scan               string `yaml:"scan" validate:"required"`
	Message            string `yaml:"message" validate:"required"`
	FriendRequestStart string `yaml:"friend_request_start" validate:"required"`
}

type Engine struct {
	ExecutorTimeout time.Duration `yaml:"executor_timeout" validate:"gt=0"`
	TickInterval    time.Duration `yaml:"tick_interval" validate:"gt=0"`
	QueuedMinDelay  time.Duration `yaml:"queued_min_delay" validate:"gte=0"`
	QueuedMaxDelay  time.Duration `yaml:"queued_max_delay" validate:"gtefield=QueuedMinDelay"`
	FastWorkers     int           `yaml:"fast_workers" validate:"gte=1"`
	FastLimit       int           `yaml:"fast_limit" validate:"gte=1"`
	AutoBatchSize   int           `yaml:"auto_batch_size" validate:"gte=1"`
}

// Default returns the stock configuration.
func Default() Config {
	l := quota.DefaultLimits()
	return Config{
		DSN:      "file:promote.db?_foreign_keys=on",
		Port:     "9724",
		Timezone: "Asia/Jakarta",
		Log:      Log{Level: "info", Format: "console"},
		Limits: Limits{
			Scan:          l[model.ActionScan],
			FriendRequest: l[model.ActionFriendRequest],
			Message:       l[model.ActionMessage],
		},
		Windows: Windows{
			Scan:               "08:00-12:00",
			Message:            "09:00-10:30,14:00-15:30",
			FriendRequestStart: "08:00",
		},
		Engine: Engine{
			ExecutorTimeout: 30 * time.Second,
			TickInterval:    30 * time.Second,
			QueuedMinDelay:  45 * time.Second,
			QueuedMaxDelay:  120 * time.Second,
			FastWorkers:     3,
			FastLimit:       40,
			AutoBatchSize:   20,
		},
	}
}

// Load reads .env (missing file ignored), then the YAML file at path (or
// AUTOMATION_CONFIG when path is empty), then environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path == "" {
		path = os.Getenv("AUTOMATION_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(Env())
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env Conf) {
	c.DSN = env.MayString("DB_DSN", c.DSN)
	c.Port = env.MayString("PORT", c.Port)
	c.Timezone = env.MayString("TIMEZONE", c.Timezone)
	c.Log.Level = env.MayString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.MayString("LOG_FORMAT", c.Log.Format)

	lim := env.Prefix("LIMIT_")
	c.Limits.Scan = lim.MayInt("SCAN", c.Limits.Scan)
	c.Limits.FriendRequest = lim.MayInt("FRIEND_REQUEST", c.Limits.FriendRequest)
	c.Limits.Message = lim.MayInt("MESSAGE", c.Limits.Message)

	win := env.Prefix("WINDOW_")
	c.Windows.Scan = win.MayString("SCAN", c.Windows.Scan)
	c.Windows.Message = win.MayString("MESSAGE", c.Windows.Message)
	c.Windows.FriendRequestStart = env.MayString("FRIEND_REQUEST_START", c.Windows.FriendRequestStart)

	eng := env.Prefix("ENGINE_")
	c.Engine.ExecutorTimeout = eng.MayDuration("EXECUTOR_TIMEOUT", c.Engine.ExecutorTimeout)
	c.Engine.TickInterval = eng.MayDuration("TICK_INTERVAL", c.Engine.TickInterval)
	c.Engine.QueuedMinDelay = eng.MayDuration("QUEUED_MIN_DELAY", c.Engine.QueuedMinDelay)
	c.Engine.QueuedMaxDelay = eng.MayDuration("QUEUED_MAX_DELAY", c.Engine.QueuedMaxDelay)
	c.Engine.FastWorkers = eng.MayInt("FAST_WORKERS", c.Engine.FastWorkers)
	c.Engine.FastLimit = eng.MayInt("FAST_LIMIT", c.Engine.FastLimit)
	c.Engine.AutoBatchSize = eng.MayInt("AUTO_BATCH_SIZE", c.Engine.AutoBatchSize)
}

var validate = validator.New()

// Validate checks struct tags, then parses timezone and windows.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Oracle(); err != nil {
		return err
	}
	return nil
}

// Location loads the configured timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Oracle builds the window oracle for the configured location.
func (c Config) Oracle() (*window.Oracle, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	scan, err := window.ParseSet(c.Windows.Scan)
	if err != nil {
		return nil, fmt.Errorf("config: scan window: %w", err)
	}
	msg, err := window.ParseSet(c.Windows.Message)
	if err != nil {
		return nil, fmt.Errorf("config: message window: %w", err)
	}
	start, err := window.ParseTimeOfDay(c.Windows.FriendRequestStart)
	if err != nil {
		return nil, fmt.Errorf("config: friend request start: %w", err)
	}
	return window.NewOracle(loc,
		map[model.ActionKind]window.Set{model.ActionScan: scan, model.ActionMessage: msg},
		map[model.ActionKind]window.TimeOfDay{model.ActionFriendRequest: start},
	), nil
}

// QuotaDefaults returns the default daily limits; zero keeps the stock value.
func (c Config) QuotaDefaults() quota.Defaults {
	d := quota.DefaultLimits()
	if c.Limits.Scan > 0 {
		d[model.ActionScan] = c.Limits.Scan
	}
	if c.Limits.FriendRequest > 0 {
		d[model.ActionFriendRequest] = c.Limits.FriendRequest
	}
	if c.Limits.Message > 0 {
		d[model.ActionMessage] = c.Limits.Message
	}
	return d
}

// Addr returns the listen address.
func (c Config) Addr() string { return ":" + c.Port }
