// Package session manages the bounded pool of browser automation sessions.
// Each session wraps one chromedp tab scoped to a single link check; the
// pool caps how many are live at once and force-closes the oldest when a new
// acquire would exceed capacity.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// Config controls pool and session behavior.
type Config struct {
	Capacity         int
	NavTimeout       time.Duration
	SettleWait       time.Duration
	Headless         bool
	NoSandbox        bool
	IgnoreCertErrors bool
	WarmupTimeout    time.Duration
	Logger           *zap.Logger
}

// Options customize one session at acquire time.
type Options struct {
	// UserAgent overrides the browser identity for every request the
	// session makes. The checker rotates this per attempt.
	UserAgent string
}

// tabFactory opens one browser tab context for a new session.
type tabFactory func() (context.Context, context.CancelFunc)

// Pool is a bounded registry of live sessions backed by one shared browser
// process. It is safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	newTab tabFactory

	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	mu     sync.Mutex
	live   []*Session
	seq    int64
	closed bool
}

// NewPool starts the shared browser process and verifies it responds.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 120 * time.Second
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 2 * time.Second
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	if cfg.IgnoreCertErrors {
		// Misconfigured target sites must not abort the pipeline.
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	warmupCtx, cancel := context.WithTimeout(browserCtx, cfg.WarmupTimeout)
	defer cancel()
	if err := chromedp.Run(warmupCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser warmup: %w", err)
	}

	p := newPool(cfg, logger, func() (context.Context, context.CancelFunc) {
		return chromedp.NewContext(browserCtx)
	})
	p.allocatorCancel = allocatorCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	return p, nil
}

func newPool(cfg Config, logger *zap.Logger, newTab tabFactory) *Pool {
	return &Pool{
		cfg:             cfg,
		logger:          logger,
		newTab:          newTab,
		allocatorCancel: func() {},
		browserCancel:   func() {},
	}
}

// Acquire opens a fresh session. At capacity the oldest live session is
// evicted first; its owner sees a canceled context on its next operation.
func (p *Pool) Acquire(ctx context.Context, opts Options) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var evicted *Session
	if len(p.live) >= p.cfg.Capacity {
		evicted = p.live[0]
		p.live = p.live[1:]
	}
	p.seq++
	tabCtx, tabCancel := p.newTab()
	s := &Session{
		id:         fmt.Sprintf("session-%d", p.seq),
		pool:       p,
		tabCtx:     tabCtx,
		tabCancel:  tabCancel,
		userAgent:  opts.UserAgent,
		navTimeout: p.cfg.NavTimeout,
		settleWait: p.cfg.SettleWait,
		createdAt:  time.Now(),
	}
	p.live = append(p.live, s)
	p.mu.Unlock()

	if evicted != nil {
		p.logger.Warn("session pool at capacity, evicting oldest",
			zap.String("evicted", evicted.id),
			zap.Duration("age", time.Since(evicted.createdAt)),
		)
		evicted.shutdown()
	}
	return s, nil
}

// Release closes the session and removes it from the live set. Releasing an
// already-evicted session is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	for i, live := range p.live {
		if live == s {
			p.live = append(p.live[:i], p.live[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	s.shutdown()
}

// Live returns the number of currently open sessions.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Close tears down all live sessions and the shared browser process.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	live := p.live
	p.live = nil
	p.mu.Unlock()

	for _, s := range live {
		s.shutdown()
	}
	p.browserCancel()
	p.allocatorCancel()
	select {
	case <-ctx.Done():
		return fmt.Errorf("session pool close: %w", ctx.Err())
	default:
	}
	return nil
}
