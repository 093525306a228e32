package app

import (
	"fmt"
	"strings"
	"time"

	"slotwatch/internal/config"
	"slotwatch/internal/driver"
	"slotwatch/internal/engine"
	"slotwatch/internal/extract"
	"slotwatch/internal/navigator"
	"slotwatch/internal/notify"
	"slotwatch/internal/observability/debugsrv"
	"slotwatch/internal/push"
	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	lock, err := config.ParseDurationOrDefault("storage.lock_timeout", sc.LockTimeout, 10*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(sc.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), LockTimeout: lock, BusyTimeout: busy}, nil
}

func mapSite(cfg *config.Config) navigator.Site {
	s := navigator.DefaultSite()
	sc := cfg.Site
	if v := strings.TrimSpace(sc.URL); v != "" {
		s.EntryURL = v
	}
	if v := strings.TrimSpace(sc.TileSelector); v != "" {
		s.LocationTiles = v
	}
	if v := strings.TrimSpace(sc.CalendarSelector); v != "" {
		s.Calendar = v
	}
	if v := strings.TrimSpace(sc.LocationMarker); v != "" {
		s.LocationMarker = v
	}
	if len(sc.UnavailableText) > 0 {
		s.UnavailableTileText = append([]string(nil), sc.UnavailableText...)
	}
	return s
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	mc, sc := cfg.Monitor, cfg.Session
	var err error
	d := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var v time.Duration
		v, err = config.ParseDurationOrDefault(path, raw, def)
		return v
	}

	out := engine.Config{
		Interval:                d("monitor.interval", mc.Interval, engine.DefaultInterval),
		Workers:                 mc.Workers,
		Partitions:              mc.Partitions,
		MaxCategoriesPerSession: sc.MaxCategoriesPerSession,
		CategoryRetries:         mc.CategoryRetries,
		RetryBackoff:            d("monitor.retry_backoff", mc.RetryBackoff, engine.DefaultRetryBackoff),
		HousekeepingEvery:       mc.HousekeepingEvery,
		HousekeepingCron:        strings.TrimSpace(mc.HousekeepingCron),
		SubscriptionMaxAge:      d("subscriptions.max_age", cfg.Subscriptions.MaxAge, engine.DefaultSubscriptionMaxAge),
		Session: driver.Options{
			Headless:    sc.Headless == nil || *sc.Headless,
			ExecPath:    sc.ExecPath,
			UserAgent:   sc.UserAgent,
			PageTimeout: d("session.page_timeout", sc.PageTimeout, 60*time.Second),
		},
		Navigator: navigator.Config{
			StepRetries:   mc.StepRetries,
			ChainAttempts: mc.ChainAttempts,
			RecoverySteps: mc.RecoverySteps,
			WaitTimeout:   d("monitor.wait_timeout", mc.WaitTimeout, 30*time.Second),
		},
		Extract: extract.Config{MaxDays: mc.MaxDays, MaxTimes: mc.MaxTimes},
	}
	// Zero is meaningful for the settle delay, so it bypasses the default.
	if err == nil {
		out.Navigator.SettleDelay, err = config.ParseDurationField("monitor.settle_delay", mc.SettleDelay)
	}
	if g := sc.Geolocation; g != nil {
		out.Session.Geolocation = &driver.Geolocation{Latitude: g.Latitude, Longitude: g.Longitude}
	}
	return out, err
}

func mapDispatcherConfig(cfg *config.Config) (notify.Config, error) {
	pc := cfg.Push
	timeout, err := config.ParseDurationOrDefault("push.send_timeout", pc.SendTimeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Title:            pc.Title,
		Tag:              pc.Tag,
		TargetURL:        pc.TargetURL,
		RatePerSec:       pc.RatePerSec,
		SendTimeout:      timeout,
		RetryMax:         pc.RetryMax,
		FailureThreshold: cfg.Subscriptions.FailureThreshold,
	}, nil
}

// buildSender wires the configured push channels. A channel left out of the
// config reports deliveries to it as transient failures.
func buildSender(cfg *config.Config, log logx.Logger) (push.Sender, error) {
	pc := cfg.Push
	r := &push.Router{}
	if pc.VAPIDPublicKey != "" {
		ttl, err := config.ParseDurationOrDefault("push.ttl", pc.TTL, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		wp, err := push.NewWebPush(push.WebPushConfig{
			PublicKey:  pc.VAPIDPublicKey,
			PrivateKey: pc.VAPIDPrivateKey,
			Subject:    pc.VAPIDSubject,
			TTL:        ttl,
			Icon:       pc.Icon,
			Badge:      pc.Badge,
		})
		if err != nil {
			return nil, err
		}
		r.WebPush = wp
	}
	if pc.TelegramToken != "" {
		tg, err := push.NewTelegram(push.TelegramConfig{Token: pc.TelegramToken, APIURL: pc.TelegramAPIURL})
		if err != nil {
			return nil, err
		}
		r.Telegram = tg
	}
	if r.WebPush == nil && r.Telegram == nil {
		log.Warn("no push channel configured; notifications will fail and count against subscriptions")
	}
	return r, nil
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	dc := cfg.Debug
	return debugsrv.Config{
		Enabled:       dc.Enabled,
		Addr:          dc.Addr,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		PprofPrefix:   dc.PprofPrefix,
		ReadTimeout:   10 * time.Second,
		// Profiles stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
