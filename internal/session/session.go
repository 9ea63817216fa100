package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/chromedp"
)

// NavResult captures the outcome of one navigation.
type NavResult struct {
	StatusCode int
	FinalURL   string
	Headers    http.Header
	HTML       string
	LoadTime   time.Duration
}

// Session is one isolated browser tab. It is owned by a single worker and
// is never shared across concurrent jobs.
type Session struct {
	id         string
	pool       *Pool
	tabCtx     context.Context
	tabCancel  context.CancelFunc
	userAgent  string
	navTimeout time.Duration
	settleWait time.Duration
	createdAt  time.Time

	closeOnce sync.Once
}

// ID returns the session's pool-unique identifier.
func (s *Session) ID() string { return s.id }

// UserAgent returns the identity this session presents.
func (s *Session) UserAgent() string { return s.userAgent }

// Navigate loads the URL under the session's navigation timeout, returning
// the document's HTTP status, the final URL after redirects, and the first
// DOM read. The caller's context cancels the navigation early.
func (s *Session) Navigate(ctx context.Context, rawURL string) (NavResult, error) {
	taskCtx, cancelTask := context.WithTimeout(s.tabCtx, s.navTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	s.recordResponse(meta)

	tasks := chromedp.Tasks{
		network.Enable(),
		security.SetIgnoreCertificateErrors(true),
	}
	if s.userAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(s.userAgent))
	}
	var html string
	tasks = append(tasks,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	start := time.Now()
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return NavResult{}, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return NavResult{
		StatusCode: meta.statusCode,
		FinalURL:   meta.finalURL(rawURL),
		Headers:    meta.headers,
		HTML:       html,
		LoadTime:   time.Since(start),
	}, nil
}

// SettleAndRead triggers lazy-loaded content by scrolling to the bottom,
// waits for the settle window, and returns a second DOM read. Target links
// are frequently injected after the initial load.
func (s *Session) SettleAndRead(ctx context.Context) (string, error) {
	taskCtx, cancelTask := context.WithTimeout(s.tabCtx, s.navTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(s.settleWait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("settle read: %w", err)
	}
	return html, nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.tabCancel()
	})
}

type responseMeta struct {
	once       sync.Once
	statusCode int
	headers    http.Header
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: make(http.Header)}
}

func (m *responseMeta) finalURL(raw string) string {
	if m.url == "" {
		return raw
	}
	return m.url
}

func (s *Session) recordResponse(meta *responseMeta) {
	chromedp.ListenTarget(s.tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.statusCode = int(resp.Response.Status)
			meta.url = resp.Response.URL
			for k, v := range resp.Response.Headers {
				meta.headers.Add(k, fmt.Sprint(v))
			}
		})
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
