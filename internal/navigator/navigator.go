// Package navigator drives an automation session through the booking flow.
//
// Every transition is confirmed by classifying the rendered page rather than
// assumed from the click that caused it. Failures come back as fault errors:
// fault.KindSession when the session is unusable, fault.KindNavigation for
// everything else (missing elements, expired waits, unexpected states).
package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slotwatch/internal/catalog"
	"slotwatch/internal/driver"
	"slotwatch/internal/fault"
	logx "slotwatch/pkg/logx"
)

// ErrUnexpectedState means the page classified as something other than what
// the last transition should have produced.
var ErrUnexpectedState = errors.New("unexpected page state")

type Config struct {
	// StepRetries bounds attempts of each sub-step of the entry chain.
	StepRetries int
	// ChainAttempts bounds full re-drives of the entry chain.
	ChainAttempts int
	// RecoverySteps bounds EnsureOnLocationList.
	RecoverySteps int
	// WaitTimeout bounds every wait for a page state.
	WaitTimeout time.Duration
	// SettleDelay is slept after clicks that load a new page. Zero disables it.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepRetries <= 0 {
		c.StepRetries = 3
	}
	if c.ChainAttempts <= 0 {
		c.ChainAttempts = 3
	}
	if c.RecoverySteps <= 0 {
		c.RecoverySteps = 3
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// Navigator is bound to one session and, like the session, is not safe for
// concurrent use.
type Navigator struct {
	sess  driver.Session
	site  Site
	cfg   Config
	log   logx.Logger
	probe driver.Script
	tiles driver.Script
	conds map[State]driver.Condition
}

func New(sess driver.Session, site Site, cat *catalog.Catalog, cfg Config, log logx.Logger) *Navigator {
	if log.IsZero() {
		log = logx.Nop()
	}
	site = site.withDefaults()
	src := probeSource(site, cat.Names())
	return &Navigator{
		sess:  sess,
		site:  site,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "navigator")),
		probe: driver.Script{Name: ScriptProbe, Source: src},
		tiles: driver.Script{Name: ScriptTiles, Source: tilesSource(site)},
		conds: conditions(src),
	}
}

// Classify inspects the current page.
func (n *Navigator) Classify(ctx context.Context) (State, error) {
	var p Probe
	if err := n.sess.Evaluate(ctx, n.probe, &p); err != nil {
		return StateUnknown, n.fail(ctx, "classify", err)
	}
	return Classify(p), nil
}

// NavigateToCategory drives from the entry URL to the location list of cat.
// Each sub-step is retried; a chain that lands somewhere unexpected is
// re-driven from the start. Session loss is returned immediately.
func (n *Navigator) NavigateToCategory(ctx context.Context, cat catalog.Category) error {
	log := n.log.With(logx.String("category", cat.Key))
	var last error
	for attempt := 1; attempt <= n.cfg.ChainAttempts; attempt++ {
		err := n.driveChain(ctx, cat)
		if err == nil {
			log.Debug("reached location list", logx.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fault.Is(err, fault.KindSession) {
			return err
		}
		last = err
		log.Warn("navigation chain failed", logx.Int("attempt", attempt), logx.Err(err))
	}
	return fault.Navigation("navigate to "+cat.Key, last)
}

func (n *Navigator) driveChain(ctx context.Context, cat catalog.Category) error {
	err := n.retry(ctx, "open entry", func() error {
		return n.sess.Navigate(ctx, n.site.EntryURL)
	})
	if err != nil {
		return n.fail(ctx, "open entry", err)
	}
	if err := n.settle(ctx); err != nil {
		return err
	}

	err = n.retry(ctx, "start booking", func() error {
		_, err := driver.ClickFirst(ctx, n.sess, n.site.EntryButtons...)
		return err
	})
	if err != nil {
		return n.fail(ctx, "start booking", err)
	}
	if err := n.settle(ctx); err != nil {
		return err
	}

	if err := n.optional(ctx, "confirm", n.site.ConfirmButtons); err != nil {
		return err
	}
	if err := n.optional(ctx, "dismiss", n.site.DismissButtons); err != nil {
		return err
	}
	if err := n.await(ctx, StateCategoryMenu); err != nil {
		return err
	}

	err = n.retry(ctx, "select category", func() error {
		return n.clickCategory(ctx, cat.Name)
	})
	if err != nil {
		return n.fail(ctx, "select category "+cat.Key, err)
	}
	if err := n.settle(ctx); err != nil {
		return err
	}
	return n.await(ctx, StateLocationList)
}

// EnsureOnLocationList returns the session to the location list of cat.
// From the calendar it goes back; a bounce to the category menu re-drives
// the chain; an unknown page gets one back attempt, then a re-drive.
func (n *Navigator) EnsureOnLocationList(ctx context.Context, cat catalog.Category) error {
	log := n.log.With(logx.String("category", cat.Key))
	triedBack := false
	st := StateUnknown
	for step := 0; ; step++ {
		var err error
		st, err = n.Classify(ctx)
		if err != nil {
			return err
		}
		if st == StateLocationList {
			return nil
		}
		if step >= n.cfg.RecoverySteps {
			break
		}
		log.Debug("recovering to location list", logx.String("state", st.String()), logx.Int("step", step+1))

		switch {
		case st == StateAppointmentCalendar:
			err = n.Back(ctx)
		case st == StateCategoryMenu:
			log.Info("bounced back to category menu")
			return n.NavigateToCategory(ctx, cat)
		case !triedBack:
			triedBack = true
			err = n.Back(ctx)
		default:
			return n.NavigateToCategory(ctx, cat)
		}
		if err != nil {
			if ctx.Err() != nil || fault.Is(err, fault.KindSession) {
				return err
			}
			log.Debug("recovery step failed", logx.Err(err))
		}
	}
	return fault.Navigation("ensure location list",
		fmt.Errorf("%w: still %s after %d recovery steps", ErrUnexpectedState, st, n.cfg.RecoverySteps))
}

// Back leaves the current page via the site's back button, or history when
// there is none, and gives the location list a chance to render.
func (n *Navigator) Back(ctx context.Context) error {
	_, err := driver.ClickFirst(ctx, n.sess, n.site.BackButtons...)
	if err != nil {
		if !errors.Is(err, driver.ErrNotFound) {
			return n.fail(ctx, "back", err)
		}
		back := driver.Script{Name: ScriptHistoryBack, Source: "(history.back(), true)"}
		if err := n.sess.Evaluate(ctx, back, nil); err != nil {
			return n.fail(ctx, "history back", err)
		}
	}
	if err := n.settle(ctx); err != nil {
		return err
	}
	err = n.sess.WaitFor(ctx, n.conds[StateLocationList], n.cfg.WaitTimeout)
	if err != nil && (ctx.Err() != nil || errors.Is(err, driver.ErrSessionLost)) {
		return n.fail(ctx, "back", err)
	}
	return nil
}

// ReachableLocations lists the bookable location tiles on the current page in
// display order.
func (n *Navigator) ReachableLocations(ctx context.Context) ([]string, error) {
	var texts []string
	if err := n.sess.Evaluate(ctx, n.tiles, &texts); err != nil {
		return nil, n.fail(ctx, "list locations", err)
	}
	seen := make(map[string]struct{}, len(texts))
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		name, ok := n.site.TileName(t)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

// OpenLocation clicks the tile named name and waits for the calendar.
func (n *Navigator) OpenLocation(ctx context.Context, name string) error {
	op := "open location " + name
	els, err := n.sess.Locate(ctx, driver.Query{Selector: n.site.LocationTiles, Text: name})
	if err != nil {
		return n.fail(ctx, op, err)
	}
	el, ok, err := n.pick(ctx, els, func(text string) bool {
		got, ok := n.site.TileName(text)
		return ok && got == name
	})
	if err != nil {
		return n.fail(ctx, op, err)
	}
	if !ok {
		return fault.Navigation(op, driver.ErrNotFound)
	}
	if err := n.sess.Click(ctx, el); err != nil {
		return n.fail(ctx, op, err)
	}
	if err := n.settle(ctx); err != nil {
		return err
	}
	return n.await(ctx, StateAppointmentCalendar)
}

func (n *Navigator) clickCategory(ctx context.Context, name string) error {
	for _, sel := range n.site.CategorySelectors {
		els, err := n.sess.Locate(ctx, driver.Query{Selector: sel, Text: name})
		if err != nil {
			if errors.Is(err, driver.ErrSessionLost) {
				return err
			}
			continue
		}
		el, ok, err := n.pick(ctx, els, func(text string) bool {
			return strings.TrimSpace(text) == name || firstLine(text) == name
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		return n.sess.Click(ctx, el)
	}
	return fmt.Errorf("category %q: %w", name, driver.ErrNotFound)
}

// pick returns the first element whose text satisfies exact. Locate matches
// text by substring, so a near miss ("Hendersonville" for "Henderson") must
// never be clicked.
func (n *Navigator) pick(ctx context.Context, els []driver.Element, exact func(string) bool) (driver.Element, bool, error) {
	if len(els) == 0 {
		return driver.Element{}, false, nil
	}
	for _, el := range els {
		text, err := n.sess.ReadText(ctx, el)
		if err != nil {
			if errors.Is(err, driver.ErrSessionLost) {
				return driver.Element{}, false, err
			}
			continue
		}
		if exact(text) {
			return el, true, nil
		}
	}
	return driver.Element{}, false, nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

// optional clicks the first match of qs if any is present.
func (n *Navigator) optional(ctx context.Context, op string, qs []driver.Query) error {
	if len(qs) == 0 {
		return nil
	}
	_, err := driver.ClickFirst(ctx, n.sess, qs...)
	switch {
	case err == nil:
		n.log.Debug("clicked optional step", logx.String("step", op))
		return n.settle(ctx)
	case errors.Is(err, driver.ErrNotFound):
		return nil
	case ctx.Err() != nil || errors.Is(err, driver.ErrSessionLost):
		return n.fail(ctx, op, err)
	default:
		n.log.Debug("optional step failed", logx.String("step", op), logx.Err(err))
		return nil
	}
}

// await waits for want and reports where the page landed instead.
func (n *Navigator) await(ctx context.Context, want State) error {
	err := n.sess.WaitFor(ctx, n.conds[want], n.cfg.WaitTimeout)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, driver.ErrSessionLost) {
		return n.fail(ctx, "await "+want.String(), err)
	}
	got, cerr := n.Classify(ctx)
	if cerr != nil {
		return cerr
	}
	return fault.Navigation("await "+want.String(),
		fmt.Errorf("%w: landed on %s: %v", ErrUnexpectedState, got, err))
}

func (n *Navigator) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= n.cfg.StepRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, driver.ErrSessionLost) {
			return err
		}
		n.log.Debug("step failed", logx.String("step", op), logx.Int("attempt", attempt), logx.Err(err))
		if attempt < n.cfg.StepRetries {
			if serr := n.settle(ctx); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (n *Navigator) settle(ctx context.Context) error {
	if n.cfg.SettleDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(n.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fail classifies a driver error. Caller cancellation is returned untouched.
func (n *Navigator) fail(ctx context.Context, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, driver.ErrSessionLost):
		return fault.Session(op, err)
	default:
		return fault.Navigation(op, err)
	}
}
