package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "30s", "720h"). Only the logging and debug sections are applied
// on reload; everything else is read once at start.
type Config struct {
	Site          SiteConfig          `json:"site"`
	Session       SessionConfig       `json:"session"`
	Monitor       MonitorConfig       `json:"monitor"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Storage       StorageConfig       `json:"storage"`
	Availability  AvailabilityConfig  `json:"availability"`
	Push          PushConfig          `json:"push"`
	Logging       LoggingConfig       `json:"logging"`
	Debug         DebugConfig         `json:"debug"`
}

// SiteConfig overrides parts of the built-in booking site description.
// Empty fields keep the built-in values.
type SiteConfig struct {
	URL              string   `json:"url,omitempty"`
	TileSelector     string   `json:"tile_selector,omitempty"`
	CalendarSelector string   `json:"calendar_selector,omitempty"`
	LocationMarker   string   `json:"location_marker,omitempty"`
	UnavailableText  []string `json:"unavailable_text,omitempty"`
}

type SessionConfig struct {
	// Headless defaults to true when omitted.
	Headless    *bool        `json:"headless,omitempty"`
	ExecPath    string       `json:"exec_path,omitempty"`
	UserAgent   string       `json:"user_agent,omitempty"`
	PageTimeout string       `json:"page_timeout,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`

	// MaxCategoriesPerSession relaunches the browser after that many
	// categories. 0 disables proactive restarts.
	MaxCategoriesPerSession int `json:"max_categories_per_session"`
}

type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MonitorConfig controls the polling workers.
//
// Partitions assigns category keys to workers explicitly; when empty the
// catalog is dealt round-robin across Workers.
type MonitorConfig struct {
	Interval   string     `json:"interval,omitempty"`
	Workers    int        `json:"workers,omitempty"`
	Partitions [][]string `json:"partitions,omitempty"`

	CategoryRetries int    `json:"category_retries,omitempty"`
	RetryBackoff    string `json:"retry_backoff,omitempty"`

	StepRetries   int    `json:"step_retries,omitempty"`
	ChainAttempts int    `json:"chain_attempts,omitempty"`
	RecoverySteps int    `json:"recovery_steps,omitempty"`
	WaitTimeout   string `json:"wait_timeout,omitempty"`
	SettleDelay   string `json:"settle_delay,omitempty"`

	MaxDays  int `json:"max_days,omitempty"`
	MaxTimes int `json:"max_times,omitempty"`

	HousekeepingEvery int    `json:"housekeeping_every,omitempty"`
	HousekeepingCron  string `json:"housekeeping_cron,omitempty"`
}

type SubscriptionsConfig struct {
	MaxAge           string `json:"max_age,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
}

// StorageConfig selects the key-value backend for subscriptions and the
// availability snapshot. Driver is "file" (default), "sqlite" or "memory".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	LockTimeout string `json:"lock_timeout,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type AvailabilityConfig struct {
	// PublishPath is the flat availability list read by the web UI.
	// Empty disables publication.
	PublishPath string `json:"publish_path,omitempty"`
}

// PushConfig configures notification delivery. Web Push is enabled when both
// VAPID keys are set; Telegram when a token is set.
type PushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey string `json:"vapid_private_key,omitempty"`
	VAPIDSubject    string `json:"vapid_subject,omitempty"`
	TTL             string `json:"ttl,omitempty"`
	Icon            string `json:"icon,omitempty"`
	Badge           string `json:"badge,omitempty"`

	TelegramToken  string `json:"telegram_token,omitempty"`
	TelegramAPIURL string `json:"telegram_api_url,omitempty"`

	Title       string `json:"title,omitempty"`
	Tag         string `json:"tag,omitempty"`
	TargetURL   string `json:"target_url,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// DebugConfig controls the operational HTTP server (/healthz, /status,
// /metrics, optional pprof).
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
}
