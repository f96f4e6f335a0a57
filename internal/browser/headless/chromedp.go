// Package headless drives Chrome through chromedp, one browser per session.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
)

// ErrNoElement is returned when a scripted lookup finds nothing.
var ErrNoElement = errors.New("element not found")

// Config controls how browsers are started.
type Config struct {
	WindowWidth  int
	WindowHeight int
	UserAgent    string
	// ExecPath overrides the Chrome binary; empty uses the system default.
	ExecPath string
	// Stealth injects fingerprint masking into every new document.
	Stealth bool
}

// DefaultConfig mirrors a desktop Chrome window.
func DefaultConfig() Config {
	return Config{WindowWidth: 1920, WindowHeight: 1080, Stealth: true}
}

// Launcher implements booking.Launcher using a fresh Chrome process per session.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher creates a chromedp-backed launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1920, 1080
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Launch starts Chrome routed through egress. The browser lives until Close
// is called or ctx is cancelled.
func (l *Launcher) Launch(ctx context.Context, egress string, headless bool) (booking.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, l.allocatorOptions(egress, headless)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		browserCtx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		meta:   newResponseMeta(),
		logger: l.logger.With(zap.String("egress", egress)),
	}
	chromedp.ListenTarget(browserCtx, s.meta.captureEvent)

	if err := chromedp.Run(browserCtx, l.setupAction()); err != nil {
		s.cancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return s, nil
}

func (l *Launcher) allocatorOptions(egress string, headless bool) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.NoSandbox,
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
	)
	if egress != "" {
		opts = append(opts, chromedp.ProxyServer(egress))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

func (l *Launcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable page domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if l.cfg.Stealth {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
		}
		return nil
	})
}

// Session implements booking.Session on one chromedp browser context.
type Session struct {
	browserCtx context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	meta       *responseMeta
	logger     *zap.Logger
}

// Navigate loads url, waits for the network to go idle and returns the main
// document status and markup.
func (s *Session) Navigate(ctx context.Context, url string) (booking.Response, error) {
	idle := s.meta.reset()
	var body string
	err := s.run(ctx,
		chromedp.Navigate(url),
		waitIdle(idle),
		chromedp.OuterHTML("html", &body, chromedp.ByQuery),
	)
	if err != nil {
		return booking.Response{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	return booking.Response{Status: s.meta.statusOrDefault(), Body: body}, nil
}

// WaitFor blocks until sel is visible.
func (s *Session) WaitFor(ctx context.Context, sel booking.Selector) error {
	query, opt := queryFor(sel)
	if err := s.run(ctx, chromedp.WaitVisible(query, opt)); err != nil {
		return fmt.Errorf("wait for %s: %w", sel, err)
	}
	return nil
}

// Click clicks the first visible node matching sel.
func (s *Session) Click(ctx context.Context, sel booking.Selector) error {
	query, opt := queryFor(sel)
	if err := s.run(ctx, chromedp.Click(query, opt, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", sel, err)
	}
	return nil
}

// Type sends text as key events to sel.
func (s *Session) Type(ctx context.Context, sel booking.Selector, text string) error {
	query, opt := queryFor(sel)
	if err := s.run(ctx, chromedp.SendKeys(query, text, opt, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("type into %s: %w", sel, err)
	}
	return nil
}

// Select sets the value of a select element and fires its change event so
// page handlers react as they would to a user choice. It returns
// ErrNoElement when the element or an option with value is missing.
func (s *Session) Select(ctx context.Context, sel booking.Selector, value string) error {
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(selectScript(sel, value), &ok)); err != nil {
		return fmt.Errorf("select %q in %s: %w", value, sel, err)
	}
	if !ok {
		return fmt.Errorf("select %q in %s: %w", value, sel, ErrNoElement)
	}
	return nil
}

// Interactable reports whether sel exists, is enabled and has a layout box.
func (s *Session) Interactable(ctx context.Context, sel booking.Selector) (bool, error) {
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(interactableScript(sel), &ok)); err != nil {
		return false, fmt.Errorf("check %s: %w", sel, err)
	}
	return ok, nil
}

// ReadInjected evaluates expression in the page's main world. Undefined
// globals read as nil.
func (s *Session) ReadInjected(ctx context.Context, expression string) (any, error) {
	var raw string
	if err := s.run(ctx, chromedp.Evaluate(readScript(expression), &raw)); err != nil {
		return nil, fmt.Errorf("read %s: %w", expression, err)
	}
	return decodeInjected(raw)
}

// Close shuts down the browser and its allocator.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.logger.Debug("browser closed")
	})
	return nil
}

// run executes actions on the browser tab while honouring the deadline and
// cancellation of the caller's ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.browserCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

func waitIdle(idle <-chan struct{}) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		}
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// responseMeta records the main document response and network idleness of
// the most recent navigation.
type responseMeta struct {
	mu       sync.Mutex
	status   int
	url      string
	idle     chan struct{}
	idleOnce *sync.Once
}

func newResponseMeta() *responseMeta {
	m := &responseMeta{}
	m.reset()
	return m
}

// reset clears the recorded response and returns a channel closed on the
// next networkIdle lifecycle event.
func (m *responseMeta) reset() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = 0
	m.url = ""
	m.idle = make(chan struct{})
	m.idleOnce = &sync.Once{}
	return m.idle
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.captureResponse(e)
	case *page.EventLifecycleEvent:
		m.captureLifecycle(e)
	}
}

func (m *responseMeta) captureResponse(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect chains report several documents; the last one wins.
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureLifecycle(event *page.EventLifecycleEvent) {
	if event.Name != "networkIdle" {
		return
	}
	m.mu.Lock()
	idle, once := m.idle, m.idleOnce
	m.mu.Unlock()
	once.Do(func() { close(idle) })
}

func (m *responseMeta) statusOrDefault() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == 0 {
		return http.StatusOK
	}
	return m.status
}
