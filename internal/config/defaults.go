package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ApplyDefaults fills omitted fields. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Session.Headless == nil {
		t := true
		c.Session.Headless = &t
	}
	if c.Session.PageTimeout == "" {
		c.Session.PageTimeout = "60s"
	}
	if c.Session.Geolocation == nil {
		c.Session.Geolocation = &Geolocation{Latitude: 35.787743, Longitude: -78.644257}
	}

	m := &c.Monitor
	if m.Interval == "" {
		m.Interval = "120s"
	}
	if m.Workers <= 0 && len(m.Partitions) == 0 {
		m.Workers = 1
	}
	if m.CategoryRetries <= 0 {
		m.CategoryRetries = 3
	}
	if m.RetryBackoff == "" {
		m.RetryBackoff = "5s"
	}
	if m.WaitTimeout == "" {
		m.WaitTimeout = "30s"
	}
	if m.SettleDelay == "" {
		m.SettleDelay = "2s"
	}
	if m.MaxDays <= 0 {
		m.MaxDays = 10
	}
	if m.MaxTimes <= 0 {
		m.MaxTimes = 5
	}
	if m.HousekeepingEvery <= 0 {
		m.HousekeepingEvery = 10
	}

	if c.Subscriptions.MaxAge == "" {
		c.Subscriptions.MaxAge = "720h"
	}
	if c.Subscriptions.FailureThreshold <= 0 {
		c.Subscriptions.FailureThreshold = 5
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch strings.ToLower(c.Storage.Driver) {
		case "sqlite", "sqlite3":
			c.Storage.Path = "./data/slotwatch.db"
		default:
			c.Storage.Path = "./data"
		}
	}

	if c.Push.RatePerSec <= 0 {
		c.Push.RatePerSec = 10
	}
	if c.Push.SendTimeout == "" {
		c.Push.SendTimeout = "10s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports the first invalid field by its JSON path.
func (c *Config) Validate() error {
	durations := []struct{ path, raw string }{
		{"session.page_timeout", c.Session.PageTimeout},
		{"monitor.interval", c.Monitor.Interval},
		{"monitor.retry_backoff", c.Monitor.RetryBackoff},
		{"monitor.wait_timeout", c.Monitor.WaitTimeout},
		{"monitor.settle_delay", c.Monitor.SettleDelay},
		{"subscriptions.max_age", c.Subscriptions.MaxAge},
		{"storage.lock_timeout", c.Storage.LockTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"push.ttl", c.Push.TTL},
		{"push.send_timeout", c.Push.SendTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Monitor.Workers < 0 {
		return fmt.Errorf("monitor.workers: must be >= 0")
	}
	for i, p := range c.Monitor.Partitions {
		if len(p) == 0 {
			return fmt.Errorf("monitor.partitions[%d]: empty partition", i)
		}
	}
	if c.Monitor.HousekeepingCron != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Monitor.HousekeepingCron); err != nil {
			return fmt.Errorf("monitor.housekeeping_cron: %w", err)
		}
	}
	if c.Session.MaxCategoriesPerSession < 0 {
		return fmt.Errorf("session.max_categories_per_session: must be >= 0")
	}
	if g := c.Session.Geolocation; g != nil {
		if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
			return fmt.Errorf("session.geolocation: out of range")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "memory", "mem":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("push: vapid_public_key and vapid_private_key must be set together")
	}
	if c.Push.VAPIDPublicKey != "" && c.Push.VAPIDSubject == "" {
		return fmt.Errorf("push.vapid_subject: required with VAPID keys")
	}
	if c.Push.RetryMax < 0 {
		return fmt.Errorf("push.retry_max: must be >= 0")
	}

	if c.Debug.Enabled && c.Debug.Pprof && c.Debug.PprofPrefix != "" && !strings.HasPrefix(strings.TrimSpace(c.Debug.PprofPrefix), "/") {
		return fmt.Errorf("debug.pprof_prefix: must start with /")
	}
	return nil
}
