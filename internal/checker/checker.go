// Package checker runs the per-link verification state machine:
// Validating -> Navigating -> Extracting -> Classifying -> Done/Broken,
// with a bounded attempt loop that rotates client identities between
// transient failures.
package checker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/session"
)

// Step names a state-machine phase; hooks observe step boundaries.
type Step string

// State machine steps, in execution order.
const (
	StepValidate Step = "validate"
	StepNavigate Step = "navigate"
	StepExtract  Step = "extract"
	StepClassify Step = "classify"
)

// ErrAborted wraps the cause when a hook stops the check (cooperative
// cancellation). No link mutation should be recorded for an aborted check.
var ErrAborted = errors.New("check aborted")

// Browser is the subset of a session the checker drives.
type Browser interface {
	Navigate(ctx context.Context, url string) (session.NavResult, error)
	SettleAndRead(ctx context.Context) (string, error)
}

// Sessions acquires and releases browsers for one attempt each.
type Sessions interface {
	Acquire(ctx context.Context, userAgent string) (Browser, error)
	Release(b Browser)
}

// Resolver looks up host names; *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Hooks lets the worker observe step boundaries. BeforeStep runs before each
// state-machine step; a non-nil return aborts the check.
type Hooks struct {
	BeforeStep func(step Step) error
}

// Config controls checker behavior.
type Config struct {
	MaxAttempts int
	Cooldown    time.Duration
	DNSTimeout  time.Duration
	Logger      *zap.Logger
}

// Outcome is the terminal result of one check.
type Outcome struct {
	Status        linkcheck.LinkStatus
	HTTPStatus    int
	Indexable     linkcheck.Indexability
	IndexReason   string
	Relation      linkcheck.Relation
	AnchorText    string
	CanonicalURL  string
	FinalURL      string
	Verdict       linkcheck.Verdict
	LoadTimeMs    int64
	Attempts      int
	FailureReason string
}

// Checker verifies one link per Check call. Safe for concurrent use.
type Checker struct {
	sessions   Sessions
	resolver   Resolver
	identities *IdentityPool
	matchers   []Matcher
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Checker with the default matcher chain.
func New(sessions Sessions, resolver Resolver, cfg Config) *Checker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		sessions:   sessions,
		resolver:   resolver,
		identities: DefaultIdentities(),
		matchers:   DefaultMatchers(),
		cfg:        cfg,
		logger:     logger,
	}
}

// Check runs the state machine for one link. It returns ErrAborted (wrapped)
// when a hook stops the check; every other path yields a terminal Outcome.
func (c *Checker) Check(ctx context.Context, link linkcheck.Link, hooks Hooks) (Outcome, error) {
	if err := beforeStep(hooks, StepValidate); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	if out, done := c.validate(ctx, link.URL); done {
		return out, nil
	}

	return c.attemptLoop(ctx, link, hooks)
}

// validate parses the URL and resolves its host. Failures here are permanent
// and consume exactly one attempt.
func (c *Checker) validate(ctx context.Context, rawURL string) (Outcome, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return brokenOutcome(1, "invalid-url"), true
	}

	dnsCtx, cancel := context.WithTimeout(ctx, c.cfg.DNSTimeout)
	defer cancel()
	if _, err := c.resolver.LookupHost(dnsCtx, parsed.Hostname()); err != nil {
		return brokenOutcome(1, "dns-error"), true
	}
	return Outcome{}, false
}

func (c *Checker) attemptLoop(ctx context.Context, link linkcheck.Link, hooks Hooks) (Outcome, error) {
	var lastFailure failureKind
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.cooldown(ctx); err != nil {
				return Outcome{}, fmt.Errorf("%w: %w", ErrAborted, err)
			}
		}
		if err := beforeStep(hooks, StepNavigate); err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrAborted, err)
		}

		out, kind, err := c.attempt(ctx, link, attempt, hooks)
		if err == nil {
			out.Attempts = attempt
			return out, nil
		}
		if errors.Is(err, ErrAborted) {
			return Outcome{}, err
		}
		if kind == kindPermanent {
			o := brokenOutcome(attempt, failureReason(err))
			return o, nil
		}
		lastFailure = kind
		lastErr = err
		c.logger.Debug("attempt failed",
			zap.String("url", link.URL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	out := exhaustedOutcome(c.cfg.MaxAttempts, lastFailure, lastErr)
	return out, nil
}

// attempt drives one session through navigate/extract/classify.
func (c *Checker) attempt(ctx context.Context, link linkcheck.Link, attempt int, hooks Hooks) (Outcome, failureKind, error) {
	identity := c.identities.ForAttempt(attempt)
	browser, err := c.sessions.Acquire(ctx, identity.UserAgent)
	if err != nil {
		return Outcome{}, kindNetwork, fmt.Errorf("acquire session: %w", err)
	}
	defer c.sessions.Release(browser)

	nav, err := browser.Navigate(ctx, link.URL)
	if err != nil {
		return Outcome{}, classifyNavError(err), fmt.Errorf("navigate: %w", err)
	}

	status := nav.StatusCode
	if status == 0 {
		// Cache restores and some same-document loads surface no document
		// response event; the page rendered, so treat it as a plain 200.
		status = 200
	}
	if status == botBlockStatus {
		return Outcome{}, kindPermanent, errPermanent{reason: "region-restricted"}
	}

	if err := beforeStep(hooks, StepExtract); err != nil {
		return Outcome{}, kindNetwork, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	html := nav.HTML
	if settled, settleErr := browser.SettleAndRead(ctx); settleErr == nil && settled != "" {
		html = settled
	}
	if strings.TrimSpace(html) == "" {
		return Outcome{}, kindPermanent, errPermanent{reason: "extraction-failed"}
	}

	if err := beforeStep(hooks, StepClassify); err != nil {
		return Outcome{}, kindNetwork, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Outcome{}, kindPermanent, errPermanent{reason: "extraction-failed"}
	}

	out := c.classify(doc, link, nav, status)
	return out, 0, nil
}

// botBlockStatus is the status some gateways return when the request is
// refused for the client's region; retrying with a new identity cannot help.
const botBlockStatus = 451

func (c *Checker) classify(doc *goquery.Document, link linkcheck.Link, nav session.NavResult, status int) Outcome {
	out := Outcome{
		HTTPStatus: status,
		FinalURL:   nav.FinalURL,
		LoadTimeMs: nav.LoadTime.Milliseconds(),
		Indexable:  linkcheck.IndexYes,
		Relation:   linkcheck.RelationNotFound,
	}

	if reason, blocked := robotsBlocked(doc); blocked {
		out.Indexable = linkcheck.IndexNo
		out.IndexReason = reason
	}

	if canonical, ok := canonicalURL(doc, nav.FinalURL); ok {
		out.CanonicalURL = canonical
		if !canonicalEquivalent(canonical, nav.FinalURL) && out.Indexable == linkcheck.IndexYes {
			// A diverging canonical is a warning, not a disqualifier.
			out.IndexReason = "canonicalized"
		}
	}

	if match := findTarget(c.matchers, doc, nav.FinalURL, link.TargetDomains); match != nil {
		out.Relation = match.Relation
		out.AnchorText = match.Description
	}

	healthy := status == 200 || status == 304 || (status >= 300 && status < 400)
	if healthy {
		out.Status = linkcheck.LinkStatusActive
	} else {
		out.Status = linkcheck.LinkStatusBroken
		out.FailureReason = fmt.Sprintf("http-%d", status)
	}

	out.Verdict = verdict(status, out.Indexable, out.Relation)
	return out
}

// verdict is OK only for a 200/304 page that is indexable and carries a
// located target-domain link.
func verdict(status int, idx linkcheck.Indexability, rel linkcheck.Relation) linkcheck.Verdict {
	if (status == 200 || status == 304) && idx == linkcheck.IndexYes && rel != linkcheck.RelationNotFound {
		return linkcheck.VerdictOK
	}
	return linkcheck.VerdictProblem
}

func (c *Checker) cooldown(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.Cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func beforeStep(hooks Hooks, step Step) error {
	if hooks.BeforeStep == nil {
		return nil
	}
	return hooks.BeforeStep(step)
}

func brokenOutcome(attempts int, reason string) Outcome {
	return Outcome{
		Status:        linkcheck.LinkStatusBroken,
		Indexable:     linkcheck.IndexUnknown,
		Relation:      linkcheck.RelationUnknown,
		Verdict:       linkcheck.VerdictProblem,
		Attempts:      attempts,
		FailureReason: reason,
	}
}

func exhaustedOutcome(attempts int, kind failureKind, cause error) Outcome {
	out := brokenOutcome(attempts, "")
	switch kind {
	case kindTimeout:
		out.Status = linkcheck.LinkStatusTimeout
		out.FailureReason = "navigation-timeout"
	case kindTLS:
		out.Status = linkcheck.LinkStatusSSLError
		out.FailureReason = "tls-error"
	default:
		out.FailureReason = "navigation-failed"
	}
	if cause != nil && out.FailureReason == "navigation-failed" {
		out.FailureReason = fmt.Sprintf("navigation-failed: %v", cause)
	}
	return out
}
