package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotwatch/internal/fault"
	"slotwatch/internal/metrics"
	"slotwatch/internal/push"
	"slotwatch/internal/slot"
	"slotwatch/internal/subscription"
	logx "slotwatch/pkg/logx"
)

const (
	DefaultTitle            = "🚗 DMV Appointment Available!"
	DefaultTag              = "dmv-appointment"
	DefaultFailureThreshold = 5
)

type Config struct {
	Title     string
	Tag       string
	TargetURL string

	RatePerSec       int
	SendTimeout      time.Duration
	RetryMax         int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	FailureThreshold int
	HistorySize      int
}

func (c Config) withDefaults() Config {
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.Tag == "" {
		c.Tag = DefaultTag
	}
	if c.TargetURL == "" {
		c.TargetURL = "/"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// Event is one new-slot observation.
type Event struct {
	Category     string
	CategoryName string
	Location     string
	// Slots is everything currently offered at the pair, New the part of it
	// that was not seen before.
	Slots []slot.TimeSlot
	New   []slot.TimeSlot
}

// Report summarizes one Dispatch.
type Report struct {
	Matched   int
	Skipped   int
	Delivered int
	Invalid   int
	Transient int
	Removed   int
	// RemovedUsers lists subscriptions removed during this dispatch.
	RemovedUsers []string
}

func (r Report) Failed() int { return r.Invalid + r.Transient }

type HistoryItem struct {
	At       time.Time
	UserID   string
	Category string
	Location string
	Outcome  string
}

// SubscriptionStore is the part of the subscription store the dispatcher
// writes outcomes through.
type SubscriptionStore interface {
	Mutate(ctx context.Context, userID string, fn func(*subscription.Subscription) subscription.Action) (subscription.Action, error)
}

// Dispatcher is safe for concurrent use; workers share one so the rate limit
// applies process-wide.
type Dispatcher struct {
	cfg     Config
	limiter *rate.Limiter
	sender  push.Sender
	store   SubscriptionStore
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func NewDispatcher(cfg Config, sender push.Sender, store SubscriptionStore, m *metrics.Metrics, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg: cfg,
		// Burst equals the per-second rate so short spikes are not delayed.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sender:  sender,
		store:   store,
		metrics: m,
		log:     log.With(logx.String("comp", "notify")),
		now:     time.Now,
	}
}

// Render builds the message for ev. The body names the first offered slot
// and how many more there are.
func (d *Dispatcher) Render(ev Event) push.Message {
	name := ev.CategoryName
	if name == "" {
		name = ev.Category
	}
	lines := []string{"📋 " + name, "📍 " + ev.Location}
	if len(ev.Slots) > 0 {
		first := ev.Slots[0]
		lines = append(lines, fmt.Sprintf("\n📅 Available: %s at %s", first.Date.Format("Jan 02"), first.Time))
		if more := len(ev.Slots) - 1; more > 0 {
			lines = append(lines, fmt.Sprintf("+ %d more slots", more))
		}
	}
	return push.Message{
		Title: d.cfg.Title,
		Body:  strings.Join(lines, "\n"),
		URL:   d.cfg.TargetURL,
		Tag:   d.cfg.Tag,
	}
}

// Dispatch notifies every subscription in subs that matches ev. It stops
// early only when ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, subs []subscription.Subscription, ev Event) Report {
	var rep Report
	if len(ev.New) == 0 {
		return rep
	}
	msg := d.Render(ev)
	log := d.log.With(logx.String("category", ev.Category), logx.String("location", ev.Location))

	for _, sub := range subs {
		if !sub.Matches(ev.Category, ev.Location) {
			continue
		}
		rep.Matched++
		if strings.TrimSpace(sub.Push) == "" {
			rep.Skipped++
			log.Debug("subscription has no push descriptor", logx.String("user", sub.UserID))
			continue
		}

		out, err := d.deliver(ctx, sub.Push, msg)
		if ctx.Err() != nil {
			return rep
		}
		d.metrics.Delivery(out.String())
		d.appendHistory(HistoryItem{At: d.now(), UserID: sub.UserID, Category: ev.Category, Location: ev.Location, Outcome: out.String()})

		switch out {
		case push.Delivered:
			rep.Delivered++
			log.Info("notified subscriber", logx.String("user", sub.UserID), logx.Int("new_slots", len(ev.New)))
		case push.PermanentlyInvalid:
			rep.Invalid++
			log.Warn("push descriptor rejected", logx.String("user", sub.UserID), logx.Err(fault.Delivery("send", err)))
		default:
			rep.Transient++
			log.Warn("push delivery failed", logx.String("user", sub.UserID), logx.Err(fault.Delivery("send", err)))
		}

		if out != push.Delivered {
			d.metrics.Failure(fault.KindDelivery.String())
		}
		if d.record(ctx, sub.UserID, out) == subscription.Remove {
			rep.Removed++
			rep.RemovedUsers = append(rep.RemovedUsers, sub.UserID)
			d.metrics.SubscriptionRemoved("delivery_failures", 1)
			log.Info("subscription removed after repeated delivery failures", logx.String("user", sub.UserID))
		}
	}
	return rep
}

// deliver sends once, retrying transient failures up to RetryMax times.
func (d *Dispatcher) deliver(ctx context.Context, descriptor string, msg push.Message) (push.Outcome, error) {
	attempts := 1 + d.cfg.RetryMax
	var (
		out     push.Outcome
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return push.TransientFailure, err
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		out, lastErr = d.sender.Send(callCtx, descriptor, msg)
		cancel()
		if out != push.TransientFailure || attempt == attempts {
			return out, lastErr
		}
		d.log.Debug("push send failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", attempts))

		t := time.NewTimer(retryDelay(d.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return push.TransientFailure, ctx.Err()
		}
	}
	return out, lastErr
}

// record applies the failure-counter policy to the freshly reloaded record.
func (d *Dispatcher) record(ctx context.Context, userID string, out push.Outcome) subscription.Action {
	if d.store == nil {
		return subscription.Keep
	}
	act, err := d.store.Mutate(ctx, userID, func(s *subscription.Subscription) subscription.Action {
		if out == push.Delivered {
			at := d.now()
			s.FailureCount = 0
			s.LastNotificationSent = &at
			return subscription.Save
		}
		s.FailureCount++
		if s.FailureCount >= d.cfg.FailureThreshold {
			return subscription.Remove
		}
		return subscription.Save
	})
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		d.log.Debug("subscription vanished before outcome was recorded", logx.String("user", userID))
	case err != nil:
		d.log.Warn("record delivery outcome failed", logx.String("user", userID), logx.Err(err))
	}
	return act
}

func (d *Dispatcher) Snapshot() []HistoryItem {
	d.hmu.Lock()
	out := append([]HistoryItem(nil), d.history...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	d.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
