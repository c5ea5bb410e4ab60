package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"prayerd/internal/calc"
	"prayerd/internal/model"
	"prayerd/internal/trigger"
)

// NOTE: The YAML file is the source of truth. Environment variables
// (PRAYERD_*, optionally from a .env file) and command-line flags override
// individual fields at load time and are never written back: ForFile strips
// them before a save.

const (
	BackendMemory   = "memory"
	BackendDispatch = "dispatch"
	BackendICS      = "ics"
)

// ErrorType classifies configuration failures.
type ErrorType string

const (
	ErrParsing    ErrorType = "parsing"
	ErrValidation ErrorType = "validation"
)

// ConfigError wraps a load or validation failure with its category.
type ConfigError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s error: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("config %s error: %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LocationConfig is the configured position. Absent means "not set up yet".
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude" json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" json:"longitude" validate:"gte=-180,lte=180"`
}

// CalculationConfig selects the prayer time convention.
type CalculationConfig struct {
	Method       string `yaml:"method" json:"method" validate:"required"`
	Asr          string `yaml:"asr" json:"asr" validate:"oneof=standard hanafi"`
	HighLatitude string `yaml:"high_latitude" json:"high_latitude" validate:"oneof=middle_of_the_night seventh_of_the_night twilight_angle"`
}

// NotificationsConfig holds per-event flags keyed by event name.
type NotificationsConfig struct {
	Enabled map[model.EventName]bool `yaml:"enabled" json:"enabled"`
	// PreAlarm is the reminder lead in minutes; zero or absent disables it.
	PreAlarm  map[model.EventName]int `yaml:"pre_alarm" json:"pre_alarm"`
	PlaySound bool                    `yaml:"play_sound" json:"play_sound"`
}

// TriggersConfig selects where triggers are registered.
type TriggersConfig struct {
	Backend  string `yaml:"backend" json:"backend" validate:"oneof=memory dispatch ics"`
	ICSPath  string `yaml:"ics_path" json:"ics_path"`
	FeedName string `yaml:"feed_name" json:"feed_name"`
}

// WebPushConfig enables push delivery for the dispatch backend.
type WebPushConfig struct {
	VAPIDPublicKey  string                 `yaml:"vapid_public_key" json:"vapid_public_key" validate:"required"`
	VAPIDPrivateKey string                 `yaml:"vapid_private_key" json:"-" validate:"required"`
	Contact         string                 `yaml:"contact" json:"contact" validate:"required"`
	TTL             int                    `yaml:"ttl" json:"ttl" validate:"gte=0"`
	Subscriptions   []trigger.Subscription `yaml:"subscriptions" json:"subscriptions" validate:"dive"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"-" validate:"required"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required"`

	// Timezone is the IANA zone whose calendar defines "today" (e.g.
	// "Europe/Istanbul"). "Local" uses the system zone.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// City is a display label only.
	City string `yaml:"city" json:"city"`

	Location      *LocationConfig     `yaml:"location,omitempty" json:"location,omitempty"`
	Calculation   CalculationConfig   `yaml:"calculation" json:"calculation"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`

	// HorizonDays is how many days ahead triggers are kept registered.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days" validate:"gte=1,lte=60"`

	// RefreshCron is a standard 5-field cron expression for the periodic
	// rebuild that extends the horizon across midnight.
	RefreshCron string `yaml:"refresh" json:"refresh" validate:"required"`

	// DBPath is the SQLite file for the cache and last-known site.
	DBPath string `yaml:"db_path" json:"db_path" validate:"required"`

	LogLevel string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`

	Triggers TriggersConfig `yaml:"triggers" json:"triggers"`

	WebPush *WebPushConfig `yaml:"webpush,omitempty" json:"webpush,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

func defaultEnabled() map[model.EventName]bool {
	return map[model.EventName]bool{
		model.Fajr:    true,
		model.Sunrise: false,
		model.Dhuhr:   true,
		model.Asr:     true,
		model.Maghrib: true,
		model.Isha:    true,
	}
}

// DefaultConfig returns an in-memory default configuration. It has no
// location: the engine stays idle until one is set.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "Local",
		Calculation: CalculationConfig{
			Method:       string(model.MethodMuslimWorldLeague),
			Asr:          string(model.AsrStandard),
			HighLatitude: string(model.HighLatMiddleOfTheNight),
		},
		Notifications: NotificationsConfig{
			Enabled:  defaultEnabled(),
			PreAlarm: map[model.EventName]int{},
		},
		HorizonDays: 7,
		RefreshCron: "5 0 * * *",
		DBPath:      "./var/prayerd.db",
		LogLevel:    "info",
		Triggers: TriggersConfig{
			Backend:  BackendDispatch,
			ICSPath:  "./var/prayer.ics",
			FeedName: "Prayer times",
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Calculation.Method == "" {
		c.Calculation.Method = def.Calculation.Method
	}
	if c.Calculation.Asr == "" {
		c.Calculation.Asr = def.Calculation.Asr
	}
	if c.Calculation.HighLatitude == "" {
		c.Calculation.HighLatitude = def.Calculation.HighLatitude
	}
	if c.Notifications.Enabled == nil {
		c.Notifications.Enabled = defaultEnabled()
	}
	if c.Notifications.PreAlarm == nil {
		c.Notifications.PreAlarm = map[model.EventName]int{}
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = def.HorizonDays
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Triggers.Backend == "" {
		c.Triggers.Backend = def.Triggers.Backend
	}
	if c.Triggers.ICSPath == "" {
		c.Triggers.ICSPath = def.Triggers.ICSPath
	}
	if c.Triggers.FeedName == "" {
		c.Triggers.FeedName = def.Triggers.FeedName
	}
}

// Validate checks struct constraints plus the things tags cannot express:
// known method, event names in the notification maps, a parseable cron
// expression and a loadable timezone.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}

	if !calc.KnownMethod(model.Method(c.Calculation.Method)) {
		return &ConfigError{Type: ErrValidation, Message: fmt.Sprintf("unknown calculation method %q", c.Calculation.Method)}
	}
	for e := range c.Notifications.Enabled {
		if _, err := model.ParseEventName(string(e)); err != nil {
			return &ConfigError{Type: ErrValidation, Message: "notifications.enabled", Err: err}
		}
	}
	for e, lead := range c.Notifications.PreAlarm {
		if _, err := model.ParseEventName(string(e)); err != nil {
			return &ConfigError{Type: ErrValidation, Message: "notifications.pre_alarm", Err: err}
		}
		if lead > 24*60 {
			return &ConfigError{Type: ErrValidation, Message: fmt.Sprintf("pre_alarm for %s exceeds one day", e)}
		}
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "refresh", Err: err}
	}
	if _, err := c.TimeLocation(); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "timezone", Err: err}
	}
	if c.Triggers.Backend == BackendICS && c.Triggers.ICSPath == "" {
		return &ConfigError{Type: ErrValidation, Message: "triggers.ics_path is required for the ics backend"}
	}
	return nil
}

// envOverrides are the PRAYERD_* variables. Only variables that are set
// override the file.
type envOverrides struct {
	Listen            string   `envconfig:"LISTEN"`
	Timezone          string   `envconfig:"TIMEZONE"`
	City              string   `envconfig:"CITY"`
	Latitude          *float64 `envconfig:"LATITUDE"`
	Longitude         *float64 `envconfig:"LONGITUDE"`
	Method            string   `envconfig:"METHOD"`
	DBPath            string   `envconfig:"DB_PATH"`
	LogLevel          string   `envconfig:"LOG_LEVEL"`
	TriggerBackend    string   `envconfig:"TRIGGER_BACKEND"`
	VAPIDPrivateKey   string   `envconfig:"VAPID_PRIVATE_KEY"`
	BasicAuthPassword string   `envconfig:"BASIC_AUTH_PASSWORD"`
}

func loadEnvOverrides() (envOverrides, error) {
	_ = godotenv.Load()

	var ov envOverrides
	if err := envconfig.Process("PRAYERD", &ov); err != nil {
		return ov, &ConfigError{Type: ErrParsing, Message: "failed to process environment overrides", Err: err}
	}
	if (ov.Latitude == nil) != (ov.Longitude == nil) {
		return ov, &ConfigError{Type: ErrParsing, Message: "PRAYERD_LATITUDE and PRAYERD_LONGITUDE must be set together"}
	}
	return ov, nil
}

// ApplyEnv loads a .env file from the working directory if present (it never
// overrides variables already set) and applies PRAYERD_* overrides.
func (c *Config) ApplyEnv() error {
	ov, err := loadEnvOverrides()
	if err != nil {
		return err
	}

	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&c.Listen, ov.Listen)
	setIf(&c.Timezone, ov.Timezone)
	setIf(&c.City, ov.City)
	setIf(&c.Calculation.Method, ov.Method)
	setIf(&c.DBPath, ov.DBPath)
	setIf(&c.LogLevel, ov.LogLevel)
	setIf(&c.Triggers.Backend, ov.TriggerBackend)

	if ov.Latitude != nil {
		c.Location = &LocationConfig{Latitude: *ov.Latitude, Longitude: *ov.Longitude}
	}
	if ov.VAPIDPrivateKey != "" && c.WebPush != nil {
		c.WebPush.VAPIDPrivateKey = ov.VAPIDPrivateKey
	}
	if ov.BasicAuthPassword != "" && c.BasicAuth != nil {
		c.BasicAuth.Password = ov.BasicAuthPassword
	}
	return nil
}

// Overrides are command-line values layered over the file and the
// environment. Empty fields leave the config alone.
type Overrides struct {
	Listen   string
	LogLevel string
}

// Apply writes the non-empty overrides into c.
func (o Overrides) Apply(c *Config) {
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}

// ForFile returns a copy of c suitable for saving over file: every field
// currently overridden by a PRAYERD_* variable or by o takes file's value
// instead, so overrides stay in the environment and on the command line.
func (c *Config) ForFile(file *Config, o Overrides) (*Config, error) {
	ov, err := loadEnvOverrides()
	if err != nil {
		return nil, err
	}
	out := c.Clone()
	if file == nil {
		file = DefaultConfig()
	}

	restoreIf := func(set bool, dst *string, v string) {
		if set {
			*dst = v
		}
	}
	restoreIf(ov.Listen != "" || o.Listen != "", &out.Listen, file.Listen)
	restoreIf(ov.Timezone != "", &out.Timezone, file.Timezone)
	restoreIf(ov.City != "", &out.City, file.City)
	restoreIf(ov.Method != "", &out.Calculation.Method, file.Calculation.Method)
	restoreIf(ov.DBPath != "", &out.DBPath, file.DBPath)
	restoreIf(ov.LogLevel != "" || o.LogLevel != "", &out.LogLevel, file.LogLevel)
	restoreIf(ov.TriggerBackend != "", &out.Triggers.Backend, file.Triggers.Backend)

	if ov.Latitude != nil {
		out.Location = nil
		if file.Location != nil {
			loc := *file.Location
			out.Location = &loc
		}
	}
	if ov.VAPIDPrivateKey != "" && out.WebPush != nil {
		out.WebPush.VAPIDPrivateKey = ""
		if file.WebPush != nil {
			out.WebPush.VAPIDPrivateKey = file.WebPush.VAPIDPrivateKey
		}
	}
	if ov.BasicAuthPassword != "" && out.BasicAuth != nil {
		out.BasicAuth.Password = ""
		if file.BasicAuth != nil {
			out.BasicAuth.Password = file.BasicAuth.Password
		}
	}
	return out, nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	if c.Location != nil {
		loc := *c.Location
		out.Location = &loc
	}
	if c.Notifications.Enabled != nil {
		out.Notifications.Enabled = make(map[model.EventName]bool, len(c.Notifications.Enabled))
		for k, v := range c.Notifications.Enabled {
			out.Notifications.Enabled[k] = v
		}
	}
	if c.Notifications.PreAlarm != nil {
		out.Notifications.PreAlarm = make(map[model.EventName]int, len(c.Notifications.PreAlarm))
		for k, v := range c.Notifications.PreAlarm {
			out.Notifications.PreAlarm[k] = v
		}
	}
	if c.WebPush != nil {
		wp := *c.WebPush
		wp.Subscriptions = append([]trigger.Subscription(nil), c.WebPush.Subscriptions...)
		out.WebPush = &wp
	}
	if c.BasicAuth != nil {
		ba := *c.BasicAuth
		out.BasicAuth = &ba
	}
	return &out
}

// Coordinates returns the configured position, or nil when none is set.
func (c *Config) Coordinates() *model.Coordinates {
	if c.Location == nil {
		return nil
	}
	return &model.Coordinates{Latitude: c.Location.Latitude, Longitude: c.Location.Longitude}
}

func (c *Config) Calc() model.CalculationConfig {
	return model.CalculationConfig{
		Method:       model.Method(c.Calculation.Method),
		Asr:          model.AsrVariant(c.Calculation.Asr),
		HighLatitude: model.HighLatitudeRule(c.Calculation.HighLatitude),
	}
}

// Notify returns copies of the notification maps.
func (c *Config) Notify() model.NotificationConfig {
	n := model.NotificationConfig{
		Enabled:   make(map[model.EventName]bool, len(c.Notifications.Enabled)),
		PreAlarm:  make(map[model.EventName]int, len(c.Notifications.PreAlarm)),
		PlaySound: c.Notifications.PlaySound,
	}
	for k, v := range c.Notifications.Enabled {
		n.Enabled[k] = v
	}
	for k, v := range c.Notifications.PreAlarm {
		n.PreAlarm[k] = v
	}
	return n
}

// TimeLocation resolves Timezone.
func (c *Config) TimeLocation() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: path, Err: err}
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".prayerd-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
