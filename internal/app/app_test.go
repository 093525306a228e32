package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/catalog"
	"slotwatch/internal/config"
	"slotwatch/internal/driver/drivertest"
	"slotwatch/internal/push"
	logx "slotwatch/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "slotwatch.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newTestApp(t *testing.T, body string) (*App, *drivertest.Site) {
	t.Helper()
	site := drivertest.NewSite(catalog.Default().Names()...)
	a, err := New(writeConfig(t, body),
		WithDriver(drivertest.NewDriver(site)),
		WithSender(push.SenderFunc(func(context.Context, string, push.Message) (push.Outcome, error) {
			return push.Delivered, nil
		})),
		WithLogger(logx.Nop()),
	)
	require.NoError(t, err)
	return a, site
}

const memoryConfig = `
storage:
  driver: memory
monitor:
  interval: 50ms
  workers: 2
  retry_backoff: 1ms
  settle_delay: 0s
`

func TestNewWiresEngine(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig)
	defer a.close()

	assert.Equal(t, 2, a.engine.Workers())
	assert.Equal(t, 50*time.Millisecond, a.interval)
	assert.Len(t, a.Status().Workers, 2)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(writeConfig(t, "storage:\n  driver: redis\n"), WithLogger(logx.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestRunStopsOnCancel(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, st := range a.engine.Status() {
			if st.Cycles < 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	st := a.Status()
	assert.EqualValues(t, 2, st.Supervision.Active)
	assert.Len(t, st.Supervision.Goroutines, 2)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHealthyReportsStaleWorkers(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig)
	defer a.close()

	start := time.Date(2030, time.May, 20, 9, 0, 0, 0, time.UTC)
	a.started = start

	a.now = func() time.Time { return start.Add(29 * time.Minute) }
	require.NoError(t, a.Healthy())

	a.now = func() time.Time { return start.Add(31 * time.Minute) }
	err := a.Healthy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 0")
}

func TestHealthyBeforeStart(t *testing.T) {
	a, _ := newTestApp(t, memoryConfig)
	defer a.close()
	require.NoError(t, a.Healthy())
}

func load(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.NewManager(writeConfig(t, body)).Load()
	require.NoError(t, err)
	return cfg
}

func TestMapEngineConfig(t *testing.T) {
	cfg := load(t, `
session:
  headless: false
  max_categories_per_session: 4
  geolocation: {latitude: 36.0, longitude: -79.0}
monitor:
  interval: 3m
  settle_delay: 0s
  partitions: [["permits"], ["fees"]]
  housekeeping_cron: "@daily"
`)
	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Minute, ec.Interval)
	assert.Equal(t, time.Duration(0), ec.Navigator.SettleDelay)
	assert.Equal(t, 30*time.Second, ec.Navigator.WaitTimeout)
	assert.Equal(t, 4, ec.MaxCategoriesPerSession)
	assert.Equal(t, "@daily", ec.HousekeepingCron)
	assert.Equal(t, [][]string{{"permits"}, {"fees"}}, ec.Partitions)
	assert.False(t, ec.Session.Headless)
	require.NotNil(t, ec.Session.Geolocation)
	assert.Equal(t, 36.0, ec.Session.Geolocation.Latitude)
	assert.Equal(t, 720*time.Hour, ec.SubscriptionMaxAge)
	assert.Equal(t, 10, ec.Extract.MaxDays)
}

func TestMapSiteOverrides(t *testing.T) {
	cfg := load(t, `
site:
  url: https://example.test/book
  unavailable_text: ["Closed"]
`)
	s := mapSite(cfg)
	def := mapSite(&config.Config{})

	assert.Equal(t, "https://example.test/book", s.EntryURL)
	assert.Equal(t, []string{"Closed"}, s.UnavailableTileText)
	assert.Equal(t, def.LocationTiles, s.LocationTiles)
	assert.Equal(t, def.Calendar, s.Calendar)
}

func TestPublishPath(t *testing.T) {
	cfg := load(t, "storage:\n  driver: file\n  path: /var/lib/slotwatch\n")
	assert.Equal(t, filepath.Join("/var/lib/slotwatch", "availability.json"), publishPath(cfg))

	cfg = load(t, "storage:\n  driver: memory\n")
	assert.Empty(t, publishPath(cfg))

	cfg = load(t, "storage:\n  driver: memory\navailability:\n  publish_path: /tmp/a.json\n")
	assert.Equal(t, "/tmp/a.json", publishPath(cfg))
}

func TestMapDispatcherConfig(t *testing.T) {
	cfg := load(t, `
push:
  title: Slots!
  retry_max: 2
  send_timeout: 3s
subscriptions:
  failure_threshold: 7
`)
	dc, err := mapDispatcherConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Slots!", dc.Title)
	assert.Equal(t, 2, dc.RetryMax)
	assert.Equal(t, 3*time.Second, dc.SendTimeout)
	assert.Equal(t, 7, dc.FailureThreshold)
	assert.Equal(t, 10, dc.RatePerSec)
}
