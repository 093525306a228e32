// Package drivertest provides a scripted in-memory booking site implementing
// driver.Driver, with injectable failures, for browser-free tests.
package drivertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"slotwatch/internal/driver"
)

// Script and condition names the monitor uses; the fake answers these.
const (
	scriptProbe       = "probe"
	scriptTiles       = "tiles"
	scriptHistoryBack = "history_back"
	scriptCalendar    = "calendar_data"

	condCategoryMenu = "category_menu"
	condLocationList = "location_list"
	condCalendar     = "calendar"
)

const (
	TileSelector  = ".QflowObjectItem.ui-selectable.Active-Unit:not(.disabled-unit)"
	EntrySelector = "#cmdMakeAppt"
)

type Page int

const (
	PageBlank Page = iota
	PageEntry
	PageMenu
	PageLocations
	PageCalendar
)

func (p Page) String() string {
	return [...]string{"blank", "entry", "menu", "locations", "calendar"}[p]
}

// Calendar is the displayed calendar of one (category, location).
type Calendar struct {
	Month string
	Year  string
	Days  []string
	Times []string
}

// Site is the fake booking site shared by every session launched from it.
// All methods are safe for concurrent use.
type Site struct {
	mu sync.Mutex

	categories []string
	tiles      map[string][]string
	calendars  map[string]map[string]Calendar

	navigateFailures int
	entryDead        int
	bounces          int
	strands          int
	calendarErrors   int
	launchFailures   int
	dieAfter         int
	killOn           string
	kills            int

	launches int
	closes   int
	opened   map[string]int
	visits   map[string]int
}

func NewSite(categoryNames ...string) *Site {
	return &Site{
		categories: append([]string(nil), categoryNames...),
		tiles:      map[string][]string{},
		calendars:  map[string]map[string]Calendar{},
		opened:     map[string]int{},
		visits:     map[string]int{},
	}
}

// SetTiles sets the raw tile texts shown on the location list of category.
func (s *Site) SetTiles(category string, texts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[category] = append([]string(nil), texts...)
}

// SetLocations shows one bookable tile per name for category.
func (s *Site) SetLocations(category string, names ...string) {
	texts := make([]string, 0, len(names))
	for _, n := range names {
		texts = append(texts, n+"\nNorth Carolina")
	}
	s.SetTiles(category, texts...)
}

func (s *Site) SetCalendar(category, location string, c Calendar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.calendars[category]
	if m == nil {
		m = map[string]Calendar{}
		s.calendars[category] = m
	}
	m[location] = c
}

// FailNavigate makes the next n Navigate calls fail.
func (s *Site) FailNavigate(n int) { s.set(&s.navigateFailures, n) }

// BreakEntry makes the next n entry-button clicks leave the page unchanged.
func (s *Site) BreakEntry(n int) { s.set(&s.entryDead, n) }

// Bounce makes the next n location opens land on the category menu.
func (s *Site) Bounce(n int) { s.set(&s.bounces, n) }

// Strand makes the next n location opens land on an unrecognizable page.
func (s *Site) Strand(n int) { s.set(&s.strands, n) }

// FailCalendar makes the next n calendar reads fail.
func (s *Site) FailCalendar(n int) { s.set(&s.calendarErrors, n) }

// FailLaunch makes the next n launches fail.
func (s *Site) FailLaunch(n int) { s.set(&s.launchFailures, n) }

// LoseNextSession makes the next launched session die after ops operations.
func (s *Site) LoseNextSession(ops int) { s.set(&s.dieAfter, ops) }

// KillSessionOnOpen makes the next n sessions that open (category, location)
// die instead of showing the calendar.
func (s *Site) KillSessionOnOpen(category, location string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killOn, s.kills = category+"|"+location, n
}

func (s *Site) set(field *int, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = n
}

func (s *Site) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

func (s *Site) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Opened counts calendar openings of (category, location).
func (s *Site) Opened(category, location string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[category+"|"+location]
}

// Visits counts arrivals on the location list of category.
func (s *Site) Visits(category string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[category]
}

// Driver launches sessions on a Site.
type Driver struct {
	Site *Site
}

func NewDriver(site *Site) *Driver { return &Driver{Site: site} }

func (d *Driver) Launch(ctx context.Context, _ driver.Options) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := d.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launches++
	if s.launchFailures > 0 {
		s.launchFailures--
		return nil, fmt.Errorf("launch: %w: browser crashed", driver.ErrSessionLost)
	}
	sess := &Session{site: s, id: fmt.Sprintf("fake-%d", s.launches), dieAfter: s.dieAfter}
	s.dieAfter = 0
	return sess, nil
}

type view struct {
	page     Page
	category string
	location string
}

// Session is one fake browser tab.
type Session struct {
	site *Site
	id   string

	cur      view
	history  []view
	ops      int
	dieAfter int
	dead     bool
	closed   bool
}

type element struct {
	selectors []string
	text      string
	act       func()
}

func (x *Session) ID() string { return x.id }

// Page reports the page currently shown.
func (x *Session) Page() Page {
	x.site.mu.Lock()
	defer x.site.mu.Unlock()
	return x.cur.page
}

// op must be called with site.mu held.
func (x *Session) op(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.closed || x.dead {
		return fmt.Errorf("fake: %w: target closed", driver.ErrSessionLost)
	}
	x.ops++
	if x.dieAfter > 0 && x.ops > x.dieAfter {
		x.dead = true
		return fmt.Errorf("fake: %w: target closed", driver.ErrSessionLost)
	}
	return nil
}

func (x *Session) goTo(v view) {
	x.history = append(x.history, x.cur)
	x.cur = v
	if v.page == PageLocations {
		x.site.visits[v.category]++
	}
}

func (x *Session) back() {
	if len(x.history) == 0 {
		x.cur = view{page: PageBlank}
		return
	}
	x.cur = x.history[len(x.history)-1]
	x.history = x.history[:len(x.history)-1]
	if x.cur.page == PageLocations {
		x.site.visits[x.cur.category]++
	}
}

func (x *Session) Navigate(ctx context.Context, url string) error {
	s := x.site
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.op(ctx); err != nil {
		return err
	}
	if s.navigateFailures > 0 {
		s.navigateFailures--
		return fmt.Errorf("navigate %s: net::ERR_CONNECTION_RESET", url)
	}
	x.history = nil
	x.cur = view{page: PageEntry}
	return nil
}

func (x *Session) elements() []element {
	s := x.site
	switch x.cur.page {
	case PageEntry:
		return []element{{
			selectors: []string{EntrySelector, "button"},
			text:      "Make an Appointment",
			act: func() {
				if s.entryDead > 0 {
					s.entryDead--
					return
				}
				x.goTo(view{page: PageMenu})
			},
		}}
	case PageMenu:
		out := make([]element, 0, len(s.categories))
		for _, name := range s.categories {
			out = append(out, element{
				selectors: []string{".QflowObjectItem"},
				text:      name,
				act:       func() { x.goTo(view{page: PageLocations, category: name}) },
			})
		}
		return out
	case PageLocations:
		cat := x.cur.category
		var out []element
		for _, text := range s.tiles[cat] {
			name := firstLine(text)
			out = append(out, element{
				selectors: []string{TileSelector, ".QflowObjectItem"},
				text:      text,
				act:       func() { x.open(cat, name) },
			})
		}
		return out
	case PageCalendar:
		cat := x.cur.category
		return []element{{
			selectors: []string{"button"},
			text:      "Back",
			act:       func() { x.goTo(view{page: PageLocations, category: cat}) },
		}}
	default:
		return nil
	}
}

func (x *Session) open(category, location string) {
	s := x.site
	switch {
	case s.kills > 0 && s.killOn == category+"|"+location:
		s.kills--
		x.dead = true
	case s.bounces > 0:
		s.bounces--
		x.goTo(view{page: PageMenu})
	case s.strands > 0:
		s.strands--
		x.goTo(view{page: PageBlank})
	default:
		s.opened[category+"|"+location]++
		x.goTo(view{page: PageCalendar, category: category, location: location})
	}
}

func (x *Session) match(q driver.Query) []element {
	var out []element
	for _, el := range x.elements() {
		if q.Selector != "" && !contains(el.selectors, q.Selector) {
			continue
		}
		if q.Text != "" && !strings.Contains(el.text, q.Text) {
			continue
		}
		out = append(out, el)
	}
	return out
}

func (x *Session) Locate(ctx context.Context, q driver.Query) ([]driver.Element, error) {
	x.site.mu.Lock()
	defer x.site.mu.Unlock()
	if err := x.op(ctx); err != nil {
		return nil, err
	}
	n := len(x.match(q))
	out := make([]driver.Element, n)
	for i := range out {
		out[i] = driver.Element{Query: q, Index: i}
	}
	return out, nil
}

func (x *Session) resolve(el driver.Element) (element, error) {
	m := x.match(el.Query)
	if el.Index < 0 || el.Index >= len(m) {
		return element{}, fmt.Errorf("%s[%d]: %w", el.Query, el.Index, driver.ErrNotFound)
	}
	return m[el.Index], nil
}

func (x *Session) Click(ctx context.Context, el driver.Element) error {
	x.site.mu.Lock()
	defer x.site.mu.Unlock()
	if err := x.op(ctx); err != nil {
		return err
	}
	e, err := x.resolve(el)
	if err != nil {
		return err
	}
	e.act()
	return nil
}

func (x *Session) ReadText(ctx context.Context, el driver.Element) (string, error) {
	x.site.mu.Lock()
	defer x.site.mu.Unlock()
	if err := x.op(ctx); err != nil {
		return "", err
	}
	e, err := x.resolve(el)
	if err != nil {
		return "", err
	}
	return e.text, nil
}

func (x *Session) Evaluate(ctx context.Context, sc driver.Script, out any) error {
	s := x.site
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := x.op(ctx); err != nil {
		return err
	}

	var res any
	switch sc.Name {
	case scriptProbe:
		res = x.probe()
	case scriptTiles:
		texts := []string{}
		if x.cur.page == PageLocations {
			texts = append(texts, s.tiles[x.cur.category]...)
		}
		res = texts
	case scriptHistoryBack:
		x.back()
		res = true
	case scriptCalendar:
		if s.calendarErrors > 0 {
			s.calendarErrors--
			return errors.New("evaluate calendar_data: TypeError: cannot read properties of null")
		}
		c := Calendar{}
		if x.cur.page == PageCalendar {
			c = s.calendars[x.cur.category][x.cur.location]
		}
		res = map[string]any{"month": c.Month, "year": c.Year, "days": nonNil(c.Days), "times": nonNil(c.Times)}
	default:
		return fmt.Errorf("fake: unknown script %q", sc.Name)
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (x *Session) probe() map[string]any {
	p := map[string]any{"calendar": false, "location_tiles": 0, "location_marker": false, "category_names": 0}
	switch x.cur.page {
	case PageMenu:
		p["category_names"] = len(x.site.categories)
	case PageLocations:
		p["location_marker"] = true
		p["location_tiles"] = len(x.site.tiles[x.cur.category])
	case PageCalendar:
		p["calendar"] = true
	}
	return p
}

func (x *Session) WaitFor(ctx context.Context, c driver.Condition, _ time.Duration) error {
	x.site.mu.Lock()
	defer x.site.mu.Unlock()
	if err := x.op(ctx); err != nil {
		return err
	}
	var ok bool
	switch c.Name {
	case condCategoryMenu:
		ok = x.cur.page == PageMenu
	case condLocationList:
		ok = x.cur.page == PageLocations
	case condCalendar:
		ok = x.cur.page == PageCalendar
	}
	if !ok {
		return fmt.Errorf("wait %s on %s: %w", c.Name, x.cur.page, context.DeadlineExceeded)
	}
	return nil
}

func (x *Session) Close(context.Context) error {
	x.site.mu.Lock()
	defer x.site.mu.Unlock()
	if !x.closed {
		x.closed = true
		x.site.closes++
	}
	return nil
}

func firstLine(text string) string {
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
