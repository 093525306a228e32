// Package chrome implements driver.Driver on a headless Chrome via chromedp.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"slotwatch/internal/driver"
	logx "slotwatch/pkg/logx"
)

const (
	defaultPageTimeout = 60 * time.Second
	pollInterval       = 250 * time.Millisecond
)

type Driver struct {
	log logx.Logger
}

func New(log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{log: log}
}

type session struct {
	id      string
	log     logx.Logger
	timeout time.Duration

	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	closeOnce sync.Once
}

func (d *Driver) Launch(ctx context.Context, opts driver.Options) (driver.Session, error) {
	timeout := opts.PageTimeout
	if timeout <= 0 {
		timeout = defaultPageTimeout
	}

	allocOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.NoSandbox,
	)
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(ua))
	}
	if p := strings.TrimSpace(opts.ExecPath); p != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(p))
	}

	// The browser must outlive the launch call, so it hangs off Background
	// and is torn down only by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	id := uuid.NewString()
	s := &session{
		id:          id,
		log:         d.log.With(logx.String("session", id[:8])),
		timeout:     timeout,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}

	// Accept alert/confirm dialogs so they never block navigation.
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			go func() { _ = chromedp.Run(tabCtx, page.HandleJavaScriptDialog(true)) }()
		}
	})

	// The first Run starts the browser; it must use the tab context itself,
	// a derived context would kill the browser when cancelled.
	actions := []chromedp.Action{}
	if g := opts.Geolocation; g != nil {
		actions = append(actions,
			browser.GrantPermissions([]browser.PermissionType{browser.PermissionTypeGeolocation}),
			emulation.SetGeolocationOverride().WithLatitude(g.Latitude).WithLongitude(g.Longitude).WithAccuracy(100),
		)
	}
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx, actions...) }()

	select {
	case err := <-started:
		if err != nil {
			s.teardown()
			return nil, fmt.Errorf("launch browser: %w: %v", driver.ErrSessionLost, err)
		}
	case <-time.After(timeout):
		s.teardown()
		return nil, fmt.Errorf("launch browser: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		s.teardown()
		return nil, ctx.Err()
	}

	s.log.Info("browser session launched", logx.Bool("headless", opts.Headless))
	return s, nil
}

func (s *session) ID() string { return s.id }

func (s *session) teardown() {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()
	})
}

func (s *session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(s.tabCtx) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.tabCancel()
		s.allocCancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("browser session closed")
	return nil
}

// run executes actions bounded by both the caller's ctx and the page timeout
// and maps failures onto the driver error vocabulary.
func (s *session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if s.tabCtx.Err() != nil {
		return fmt.Errorf("%s: %w", op, driver.ErrSessionLost)
	}
	rctx, cancel := context.WithTimeout(s.tabCtx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	switch {
	case s.tabCtx.Err() != nil, isLost(err):
		return fmt.Errorf("%s: %w: %v", op, driver.ErrSessionLost, err)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isLost(err error) bool {
	if errors.Is(err, chromedp.ErrInvalidContext) || errors.Is(err, chromedp.ErrChannelClosed) || errors.Is(err, chromedp.ErrInvalidTarget) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "browser has disconnected")
}

func (s *session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, "navigate", chromedp.Navigate(url))
}

func (s *session) Evaluate(ctx context.Context, sc driver.Script, out any) error {
	var raw []byte
	if err := s.run(ctx, "evaluate "+sc.Name, chromedp.Evaluate(sc.Source, &raw)); err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("evaluate %s: decode result: %w", sc.Name, err)
	}
	return nil
}

func (s *session) Locate(ctx context.Context, q driver.Query) ([]driver.Element, error) {
	var n int
	if err := s.Evaluate(ctx, driver.Script{Name: "locate", Source: findExpr(q) + ".length"}, &n); err != nil {
		return nil, err
	}
	els := make([]driver.Element, 0, n)
	for i := 0; i < n; i++ {
		els = append(els, driver.Element{Query: q, Index: i})
	}
	return els, nil
}

func (s *session) Click(ctx context.Context, el driver.Element) error {
	src := fmt.Sprintf(`(() => {
		const e = %s[%d];
		if (!e) return false;
		e.scrollIntoView({block: 'center'});
		e.click();
		return true;
	})()`, findExpr(el.Query), el.Index)
	var ok bool
	if err := s.Evaluate(ctx, driver.Script{Name: "click", Source: src}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("click %s: %w", el.Query, driver.ErrNotFound)
	}
	return nil
}

func (s *session) ReadText(ctx context.Context, el driver.Element) (string, error) {
	src := fmt.Sprintf(`(() => {
		const e = %s[%d];
		return e ? (e.innerText || e.textContent || '') : null;
	})()`, findExpr(el.Query), el.Index)
	var text *string
	if err := s.Evaluate(ctx, driver.Script{Name: "read_text", Source: src}, &text); err != nil {
		return "", err
	}
	if text == nil {
		return "", fmt.Errorf("read text %s: %w", el.Query, driver.ErrNotFound)
	}
	return *text, nil
}

func (s *session) WaitFor(ctx context.Context, c driver.Condition, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		var ok bool
		err := s.Evaluate(wctx, driver.Script{Name: "wait " + c.Name, Source: "Boolean(" + c.Expr + ")"}, &ok)
		if errors.Is(err, driver.ErrSessionLost) {
			return err
		}
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wctx.Done():
			return fmt.Errorf("wait %s: %w", c.Name, context.DeadlineExceeded)
		case <-t.C:
		}
	}
}

// findExpr renders a JS expression yielding the visible matches of q.
func findExpr(q driver.Query) string {
	sel, _ := json.Marshal(q.Selector)
	text, _ := json.Marshal(q.Text)
	return fmt.Sprintf(`((sel, text) => {
		const visible = e => !!(e.offsetWidth || e.offsetHeight || e.getClientRects().length);
		const has = e => !text || (e.innerText || e.textContent || '').includes(text);
		let m = Array.from(document.querySelectorAll(sel || '*')).filter(e => visible(e) && has(e));
		if (text && !sel) m = m.filter(e => !Array.from(e.children).some(c => visible(c) && has(c)));
		return m;
	})(%s, %s)`, sel, text)
}
