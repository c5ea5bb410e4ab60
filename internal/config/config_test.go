package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prayerd/internal/model"
	"prayerd/internal/trigger"
)

func TestLoad_FirstRunWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Location, "default config has no location")
	assert.Equal(t, 7, cfg.HorizonDays)
	assert.Equal(t, BackendDispatch, cfg.Triggers.Backend)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	require.NoError(t, cfg.Validate())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.City = "Istanbul"
	cfg.Timezone = "UTC"
	cfg.Location = &LocationConfig{Latitude: 41.0082, Longitude: 28.9784}
	cfg.Calculation.Method = string(model.MethodTurkey)
	cfg.Notifications.PreAlarm[model.Fajr] = 15
	cfg.Notifications.PlaySound = true
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, got.Validate())

	require.NotNil(t, got.Coordinates())
	assert.Equal(t, model.Coordinates{Latitude: 41.0082, Longitude: 28.9784}, *got.Coordinates())
	assert.Equal(t, model.MethodTurkey, got.Calc().Method)
	assert.Equal(t, 15, got.Notify().Lead(model.Fajr))
	assert.True(t, got.Notify().PlaySound)
	assert.False(t, got.Notify().Enabled[model.Sunrise])
}

func TestLoad_PartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("city: Ankara\nlocation:\n  latitude: 39.93\n  longitude: 32.86\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Ankara", cfg.City)
	assert.Equal(t, "5 0 * * *", cfg.RefreshCron)
	assert.Equal(t, string(model.MethodMuslimWorldLeague), cfg.Calculation.Method)
	assert.True(t, cfg.Notifications.Enabled[model.Fajr])
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrParsing, cerr.Type)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"latitude out of range": func(c *Config) { c.Location = &LocationConfig{Latitude: 91} },
		"unknown method":        func(c *Config) { c.Calculation.Method = "other" },
		"bad asr":               func(c *Config) { c.Calculation.Asr = "shafi" },
		"bad cron":              func(c *Config) { c.RefreshCron = "every day" },
		"bad timezone":          func(c *Config) { c.Timezone = "Mars/Olympus" },
		"bad backend":           func(c *Config) { c.Triggers.Backend = "sms" },
		"unknown event":         func(c *Config) { c.Notifications.Enabled["tahajjud"] = true },
		"huge lead":             func(c *Config) { c.Notifications.PreAlarm[model.Isha] = 2000 },
		"horizon too long":      func(c *Config) { c.HorizonDays = 365 },
		"webpush without keys":  func(c *Config) { c.WebPush = &WebPushConfig{Contact: "mailto:a@b.c"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			err := cfg.Validate()
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, ErrValidation, cerr.Type)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PRAYERD_CITY", "Konya")
	t.Setenv("PRAYERD_LATITUDE", "37.87")
	t.Setenv("PRAYERD_LONGITUDE", "32.48")
	t.Setenv("PRAYERD_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "from-file"}
	t.Setenv("PRAYERD_BASIC_AUTH_PASSWORD", "from-env")

	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "Konya", cfg.City)
	require.NotNil(t, cfg.Location)
	assert.InDelta(t, 37.87, cfg.Location.Latitude, 1e-9)
	assert.InDelta(t, 32.48, cfg.Location.Longitude, 1e-9)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.BasicAuth.Password)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen, "unset variables leave the file value")
}

func TestApplyEnv_HalfLocation(t *testing.T) {
	t.Setenv("PRAYERD_LATITUDE", "37.87")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Nil(t, cfg.Location)
}

func TestClone_IsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Location = &LocationConfig{Latitude: 41.0082, Longitude: 28.9784}
	cfg.Notifications.PreAlarm[model.Fajr] = 10
	cfg.WebPush = &WebPushConfig{VAPIDPublicKey: "pub", Subscriptions: []trigger.Subscription{{Endpoint: "https://push.example/a"}}}
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "secret"}

	cp := cfg.Clone()
	cp.Location.Latitude = 0
	cp.Notifications.Enabled[model.Sunrise] = true
	cp.Notifications.PreAlarm[model.Fajr] = 30
	cp.WebPush.Subscriptions[0].Endpoint = "https://push.example/b"
	cp.BasicAuth.Password = "changed"

	assert.InDelta(t, 41.0082, cfg.Location.Latitude, 1e-9)
	assert.False(t, cfg.Notifications.Enabled[model.Sunrise])
	assert.Equal(t, 10, cfg.Notifications.PreAlarm[model.Fajr])
	assert.Equal(t, "https://push.example/a", cfg.WebPush.Subscriptions[0].Endpoint)
	assert.Equal(t, "secret", cfg.BasicAuth.Password)
}

func TestForFile_KeepsOverridesOutOfTheFile(t *testing.T) {
	t.Setenv("PRAYERD_CITY", "Konya")
	t.Setenv("PRAYERD_LATITUDE", "37.87")
	t.Setenv("PRAYERD_LONGITUDE", "32.48")
	t.Setenv("PRAYERD_BASIC_AUTH_PASSWORD", "from-env")

	file := DefaultConfig()
	file.City = "Ankara"
	file.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "from-file"}

	running := file.Clone()
	require.NoError(t, running.ApplyEnv())
	o := Overrides{LogLevel: "debug"}
	o.Apply(running)
	running.HorizonDays = 10

	out, err := running.ForFile(file, o)
	require.NoError(t, err)
	assert.Equal(t, "Ankara", out.City)
	assert.Nil(t, out.Location)
	assert.Equal(t, "from-file", out.BasicAuth.Password)
	assert.Equal(t, "info", out.LogLevel)
	assert.Equal(t, 10, out.HorizonDays, "edited fields are kept")

	assert.Equal(t, "Konya", running.City, "the receiver is not modified")
	assert.Equal(t, "debug", running.LogLevel)
}

func TestOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()
	Overrides{}.Apply(cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)

	Overrides{Listen: ":9000", LogLevel: "warn"}.Apply(cfg)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "warn", cfg.LogLevel)
}
