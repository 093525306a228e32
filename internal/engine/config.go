package engine

import (
	"time"

	"slotwatch/internal/driver"
	"slotwatch/internal/extract"
	"slotwatch/internal/navigator"
)

const (
	DefaultInterval           = 120 * time.Second
	DefaultCategoryRetries    = 3
	DefaultRetryBackoff       = 5 * time.Second
	DefaultHousekeepingEvery  = 10
	DefaultSubscriptionMaxAge = 30 * 24 * time.Hour
	DefaultCloseTimeout       = 10 * time.Second
)

type Config struct {
	// Interval is the target period of one cycle; a cycle that overruns it
	// is followed immediately by the next one.
	Interval time.Duration

	// Workers is used when Partitions is empty: the catalog is dealt
	// round-robin across that many workers.
	Workers    int
	Partitions [][]string

	// MaxCategoriesPerSession triggers a proactive session restart once a
	// session has processed that many categories. Zero disables it.
	MaxCategoriesPerSession int

	CategoryRetries int
	// RetryBackoff is multiplied by the attempt number between category
	// attempts.
	RetryBackoff time.Duration

	HousekeepingEvery int
	// HousekeepingCron replaces the every-K-cycles trigger when set.
	HousekeepingCron   string
	SubscriptionMaxAge time.Duration

	CloseTimeout time.Duration

	Session   driver.Options
	Navigator navigator.Config
	Extract   extract.Config
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.CategoryRetries <= 0 {
		c.CategoryRetries = DefaultCategoryRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.HousekeepingEvery <= 0 {
		c.HousekeepingEvery = DefaultHousekeepingEvery
	}
	if c.SubscriptionMaxAge <= 0 {
		c.SubscriptionMaxAge = DefaultSubscriptionMaxAge
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}
