// Package driver defines the automation capability the monitor depends on.
//
// The monitor never talks to a browser directly: it launches a Session,
// navigates, locates elements by CSS selector and/or visible text, clicks,
// reads text, evaluates scripts and waits for conditions. Concrete drivers
// live in subpackages (chrome for a real browser, drivertest for a scripted
// fake site).
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionLost means the session (browser, tab or connection) is unusable.
// Callers relaunch instead of retrying on the same session.
var ErrSessionLost = errors.New("automation session lost")

// ErrNotFound is returned when an element handle no longer resolves.
var ErrNotFound = errors.New("element not found")

// Query locates elements. Selector restricts candidates to a CSS selector
// (all elements when empty); Text keeps only visible elements whose text
// contains it. With Text and no Selector, only the innermost matches are kept.
type Query struct {
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
}

func (q Query) String() string {
	switch {
	case q.Selector != "" && q.Text != "":
		return fmt.Sprintf("%s:has-text(%q)", q.Selector, q.Text)
	case q.Text != "":
		return fmt.Sprintf("text=%q", q.Text)
	default:
		return q.Selector
	}
}

// Element is a handle to the Index-th visible match of Query at locate time.
type Element struct {
	Query Query
	Index int
}

// Script is a named JavaScript expression. Source must evaluate to a
// JSON-serializable value; Name identifies it in logs.
type Script struct {
	Name   string
	Source string
}

// Condition is a named JavaScript expression evaluating to a boolean.
type Condition struct {
	Name string
	Expr string
}

// Options configure a new session.
type Options struct {
	Headless    bool
	ExecPath    string
	UserAgent   string
	PageTimeout time.Duration
	// Geolocation is forwarded to the browser as-is.
	Geolocation *Geolocation
}

type Geolocation struct {
	Latitude  float64
	Longitude float64
}

// Driver launches automation sessions.
type Driver interface {
	Launch(ctx context.Context, opts Options) (Session, error)
}

// Session is one automation session. It is not safe for concurrent use;
// each worker owns its own.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Locate(ctx context.Context, q Query) ([]Element, error)
	Click(ctx context.Context, el Element) error
	ReadText(ctx context.Context, el Element) (string, error)
	// Evaluate runs s and decodes its JSON result into out (may be nil).
	Evaluate(ctx context.Context, s Script, out any) error
	// WaitFor polls c until it is true or timeout expires. An expired wait
	// returns an error wrapping context.DeadlineExceeded.
	WaitFor(ctx context.Context, c Condition, timeout time.Duration) error
	Close(ctx context.Context) error
}

// First locates q and returns its first match.
func First(ctx context.Context, s Session, q Query) (Element, bool, error) {
	els, err := s.Locate(ctx, q)
	if err != nil {
		return Element{}, false, err
	}
	if len(els) == 0 {
		return Element{}, false, nil
	}
	return els[0], true, nil
}

// ClickFirst clicks the first query in qs that has a visible match and
// reports which one was used.
func ClickFirst(ctx context.Context, s Session, qs ...Query) (Query, error) {
	for _, q := range qs {
		el, ok, err := First(ctx, s, q)
		if err != nil {
			if errors.Is(err, ErrSessionLost) {
				return Query{}, err
			}
			continue
		}
		if !ok {
			continue
		}
		if err := s.Click(ctx, el); err != nil {
			if errors.Is(err, ErrSessionLost) {
				return Query{}, err
			}
			continue
		}
		return q, nil
	}
	return Query{}, fmt.Errorf("%w: none of %v", ErrNotFound, qs)
}
