package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	p := write(t, "slotwatch.yaml", `
monitor:
  workers: 2
  interval: 90s
push:
  telegram_token: abc
logging:
  level: debug
  console: true
`)
	cfg, err := NewManager(p).Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Monitor.Workers)
	assert.Equal(t, "90s", cfg.Monitor.Interval)
	assert.Equal(t, 10, cfg.Monitor.MaxDays)
	assert.Equal(t, 5, cfg.Monitor.MaxTimes)
	assert.Equal(t, 10, cfg.Monitor.HousekeepingEvery)
	assert.Equal(t, "720h", cfg.Subscriptions.MaxAge)
	assert.Equal(t, 5, cfg.Subscriptions.FailureThreshold)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "./data", cfg.Storage.Path)
	require.NotNil(t, cfg.Session.Headless)
	assert.True(t, *cfg.Session.Headless)
	require.NotNil(t, cfg.Session.Geolocation)
	assert.InDelta(t, 35.787743, cfg.Session.Geolocation.Latitude, 1e-9)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"monitor":{"interval":"1m","bogus":1}}`))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.Error(t, err)

	_, err = Decode("c.yml", []byte("monitor:\n  workerz: 3\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"bad duration", func(c *Config) { c.Monitor.Interval = "soon" }},
		{"negative duration", func(c *Config) { c.Subscriptions.MaxAge = "-1h" }},
		{"empty partition", func(c *Config) { c.Monitor.Partitions = [][]string{{"permits"}, {}} }},
		{"bad cron", func(c *Config) { c.Monitor.HousekeepingCron = "every tuesday" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"half vapid", func(c *Config) { c.Push.VAPIDPublicKey = "pub" }},
		{"vapid without subject", func(c *Config) {
			c.Push.VAPIDPublicKey, c.Push.VAPIDPrivateKey = "pub", "priv"
		}},
		{"geolocation", func(c *Config) { c.Session.Geolocation = &Geolocation{Latitude: 120} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var c Config
			c.ApplyDefaults()
			tc.mod(&c)
			assert.Error(t, c.Validate())
		})
	}

	var ok Config
	ok.ApplyDefaults()
	ok.Monitor.HousekeepingCron = "0 3 * * *"
	assert.NoError(t, ok.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SLOTWATCH_TELEGRAM_TOKEN", "from-env")
	t.Setenv("SLOTWATCH_SITE_URL", "https://example.test/book")
	t.Setenv("SLOTWATCH_DATA_DIR", "/var/lib/slotwatch")

	p := write(t, "slotwatch.json", `{"push":{"telegram_token":"from-file"}}`)
	cfg, err := NewManager(p).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Push.TelegramToken)
	assert.Equal(t, "https://example.test/book", cfg.Site.URL)
	assert.Equal(t, "/var/lib/slotwatch", cfg.Storage.Path)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := write(t, "slotwatch.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"nope","bogus":true}}`), 0o600))
	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestDurationHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	d, err = ParseDurationField("x", " 2s ")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	_, err = ParseDurationField("x", "-2s")
	assert.Error(t, err)
}
