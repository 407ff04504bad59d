// Package browser owns the shared headless browser session used by all site
// scrapers.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls browser startup and per-navigation behavior.
type Config struct {
	UserAgent      string
	ViewportWidth  int64
	ViewportHeight int64
	NavTimeout     time.Duration
	ScriptTimeout  time.Duration
	DomainQPS      float64
}

// Session wraps one long-lived headless Chrome instance. Navigation runs in
// short-lived tab contexts derived from the browser context; use is serialized
// so concurrent tasks cannot clobber each other's in-flight extraction.
type Session struct {
	cfg             Config
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	useMu           sync.Mutex
	domainLimiters  sync.Map
	logger          *zap.Logger
}

// Manager lazily creates and holds exactly one Session process-wide. Creation
// is guarded by a mutex; a creation failure is returned to the caller and not
// cached, so a later call may retry.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	logger  *zap.Logger
	session *Session

	// newSession is swappable so tests can count creations without Chrome.
	newSession func(Config, *zap.Logger) (*Session, error)
}

// NewManager creates a Manager. The browser is not launched until the first
// Acquire call.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 20 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		newSession: newSession,
	}
}

// Acquire returns the shared session, launching the browser on first use.
func (m *Manager) Acquire() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session, nil
	}
	sess, err := m.newSession(m.cfg, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create browser session: %w", err)
	}
	m.session = sess
	return sess, nil
}

// Close tears down the session if one was created. Only the process supervisor
// calls this; scrapers never tear the session down themselves.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	m.session.close()
	m.session = nil
}

func newSession(cfg Config, logger *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	logger.Info("headless browser session created",
		zap.Int64("viewport_width", cfg.ViewportWidth),
		zap.Int64("viewport_height", cfg.ViewportHeight),
	)
	return &Session{
		cfg:             cfg,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		logger:          logger,
	}, nil
}

func (s *Session) close() {
	s.browserCancel()
	s.allocatorCancel()
}

// Run serializes session use, opens a fresh tab bounded by the navigation
// timeout and hands it to fn. The tab closes when fn returns.
func (s *Session) Run(ctx context.Context, pageURL string, fn func(tab context.Context) error) error {
	s.useMu.Lock()
	defer s.useMu.Unlock()

	if err := s.waitDomainBudget(ctx, pageURL); err != nil {
		return fmt.Errorf("navigation rate limit: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.cfg.NavTimeout)
	defer cancelTimeout()

	stopForward := forwardCancel(ctx, cancelTimeout)
	defer stopForward()

	if err := chromedp.Run(tabCtx,
		emulation.SetDeviceMetricsOverride(s.cfg.ViewportWidth, s.cfg.ViewportHeight, 1, false),
		emulation.SetUserAgentOverride(s.cfg.UserAgent),
	); err != nil {
		return fmt.Errorf("tab setup: %w", err)
	}

	return fn(tabCtx)
}

// FetchImage downloads imageURL from inside the tab's execution context via a
// JS fetch and decodes the resulting data URL. Some sites only serve images to
// requests carrying the page's cookies and referrer, which a direct client
// request cannot reproduce.
func (s *Session) FetchImage(tab context.Context, imageURL string) ([]byte, error) {
	scriptCtx, cancel := context.WithTimeout(tab, s.cfg.ScriptTimeout)
	defer cancel()

	script := fmt.Sprintf(`
		fetch(%q)
			.then(resp => resp.blob())
			.then(blob => new Promise((resolve, reject) => {
				const reader = new FileReader();
				reader.onloadend = () => resolve(reader.result);
				reader.onerror = () => reject(new Error("read failed"));
				reader.readAsDataURL(blob);
			}))
	`, imageURL)

	var dataURL string
	err := chromedp.Run(scriptCtx, chromedp.Evaluate(script, &dataURL,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return nil, fmt.Errorf("in-browser fetch: %w", err)
	}
	return decodeImageDataURL(dataURL)
}

func decodeImageDataURL(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, "data:image") {
		return nil, fmt.Errorf("unexpected data url prefix %q", truncate(dataURL, 32))
	}
	_, encoded, ok := strings.Cut(dataURL, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Session) waitDomainBudget(ctx context.Context, rawURL string) error {
	if s.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse navigation url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := s.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(s.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
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
