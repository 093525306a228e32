// Package extract reads candidate time slots off a rendered calendar view.
package extract

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"slotwatch/internal/driver"
	"slotwatch/internal/fault"
	"slotwatch/internal/slot"
	logx "slotwatch/pkg/logx"
)

const (
	DefaultMaxDays  = 10
	DefaultMaxTimes = 5

	// ScriptCalendar names the calendar read script.
	ScriptCalendar = "calendar_data"
)

// Raw is what the calendar script reports, as displayed text.
type Raw struct {
	Month string   `json:"month"`
	Year  string   `json:"year"`
	Days  []string `json:"days"`
	Times []string `json:"times"`
}

const calendarSource = `(() => {
	const text = e => e ? (e.textContent || '').trim() : '';
	const days = Array.from(document.querySelectorAll('.ui-datepicker-calendar td a:not(.ui-state-disabled)')).map(text);
	const times = [];
	for (const sel of document.querySelectorAll('select')) {
		for (const opt of Array.from(sel.options)) {
			if (opt.disabled || !opt.value || opt.value.trim() === '') continue;
			times.push(text(opt));
		}
	}
	return {
		month: text(document.querySelector('.ui-datepicker-month')),
		year: text(document.querySelector('.ui-datepicker-year')),
		days: days,
		times: times,
	};
})()`

var timeLabel = regexp.MustCompile(`(?i)\d{1,2}:\d{2}\s*(AM|PM)?`)

type Config struct {
	MaxDays  int
	MaxTimes int
}

type Extractor struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Extractor {
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = DefaultMaxDays
	}
	if cfg.MaxTimes <= 0 {
		cfg.MaxTimes = DefaultMaxTimes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Extractor{cfg: cfg, log: log.With(logx.String("comp", "extract"))}
}

// Extract reads the calendar the session is showing. Unreadable or malformed
// calendars produce an empty list; only session loss and cancellation are
// returned as errors.
func (x *Extractor) Extract(ctx context.Context, sess driver.Session) ([]slot.TimeSlot, error) {
	var raw Raw
	err := sess.Evaluate(ctx, driver.Script{Name: ScriptCalendar, Source: calendarSource}, &raw)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, driver.ErrSessionLost):
		return nil, fault.Session("read calendar", err)
	default:
		x.log.Warn("calendar unreadable", logx.Err(fault.Extraction("read calendar", err)))
		return nil, nil
	}
	slots := Parse(raw, x.cfg.MaxDays, x.cfg.MaxTimes)
	if len(slots) == 0 && (len(raw.Days) > 0 || len(raw.Times) > 0) {
		x.log.Debug("calendar yielded no slots",
			logx.String("month", raw.Month), logx.String("year", raw.Year),
			logx.Int("days", len(raw.Days)), logx.Int("times", len(raw.Times)))
	}
	return slots, nil
}

// Parse builds the cross product of the first maxDays enabled days and the
// first maxTimes time labels. A month or year that does not parse yields nil.
func Parse(raw Raw, maxDays, maxTimes int) []slot.TimeSlot {
	month, ok := parseMonth(raw.Month)
	if !ok {
		return nil
	}
	year, err := strconv.Atoi(strings.TrimSpace(raw.Year))
	if err != nil || year <= 0 {
		return nil
	}
	days := Days(raw.Days)
	times := Times(raw.Times)
	if len(days) == 0 || len(times) == 0 {
		return nil
	}
	if maxDays > 0 && len(days) > maxDays {
		days = days[:maxDays]
	}
	if maxTimes > 0 && len(times) > maxTimes {
		times = times[:maxTimes]
	}

	last := daysIn(year, month)
	out := make([]slot.TimeSlot, 0, len(days)*len(times))
	for _, d := range days {
		if d > last {
			continue
		}
		for _, t := range times {
			out = append(out, slot.New(year, month, d, t))
		}
	}
	return out
}

// Days keeps integers in 1..31, deduplicated and ascending.
func Days(raw []string) []int {
	set := map[int]struct{}{}
	for _, s := range raw {
		d, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || d < 1 || d > 31 {
			continue
		}
		set[d] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// Times keeps labels that look like a time of day, deduplicated in order.
func Times(raw []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" || !timeLabel.MatchString(s) {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func parseMonth(s string) (time.Month, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, false
	}
	for m := time.January; m <= time.December; m++ {
		name := strings.ToLower(m.String())
		if s == name || s == name[:3] {
			return m, true
		}
	}
	return 0, false
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
