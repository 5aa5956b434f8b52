package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pricewatch/internal/domain"
)

// maxBodyBytes caps how much of a page is read into a snapshot.
const maxBodyBytes = 8 << 20

// blockMarkers are body substrings that identify challenge pages. The kind
// distinguishes captcha challenges (solvable in principle) from hard blocks.
var blockMarkers = []struct {
	marker string
	kind   string
	detail string
}{
	{"g-recaptcha", "captcha", "recaptcha_widget"},
	{"h-captcha", "captcha", "hcaptcha_widget"},
	{"cf-turnstile", "captcha", "turnstile_widget"},
	{"geo.captcha-delivery.com", "captcha", "datadome_challenge"},
	{"_incapsula_resource", "blocked", "incapsula_challenge"},
	{"px-captcha", "captcha", "perimeterx_challenge"},
	{"verifique que você não é um robô", "captcha", "robot_check_text"},
	{"access denied", "blocked", "access_denied_text"},
	{"acesso negado", "blocked", "access_denied_text"},
}

// httpSession is a PageSession over plain HTTP. It covers server-rendered
// storefronts; pages that only paint prices via scripts need a real browser
// runtime behind the same interface.
type httpSession struct {
	client      *http.Client
	fingerprint domain.FingerprintProfile

	pageURL    string
	status     int
	body       string
	fetchedAt  time.Time
	doc        *goquery.Document
	interacted bool
	closed     bool
}

func newHTTPSession(cfg domain.SessionConfig) (*httpSession, error) {
	transport := &http.Transport{
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.Proxy.URL != "" {
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("browser: parse proxy url %q: %w", cfg.Proxy.URL, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &httpSession{
		client: &http.Client{
			Transport: transport,
			// Redirect chains past 10 hops are treated as navigation failure
			// by the default policy, which is what we want.
		},
		fingerprint: cfg.Fingerprint,
	}, nil
}

// Navigate fetches the page under the given budget and parses the body.
func (s *httpSession) Navigate(ctx context.Context, pageURL string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(navCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return fmt.Errorf("browser: build request for %q: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", s.fingerprint.UserAgent)
	req.Header.Set("Accept-Language", s.fingerprint.Language)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		if navCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("browser: %w after %s: %s", domain.ErrNavTimeout, timeout, pageURL)
		}
		return fmt.Errorf("browser: fetch %q: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("browser: read body of %q: %w", pageURL, err)
	}

	s.pageURL = pageURL
	s.status = resp.StatusCode
	s.body = string(body)
	s.fetchedAt = time.Now().UTC()
	s.doc, err = goquery.NewDocumentFromReader(strings.NewReader(s.body))
	if err != nil {
		return fmt.Errorf("browser: parse body of %q: %w", pageURL, err)
	}
	return nil
}

// WaitReady waits at least floor, then gives the predicate the remaining
// timeout. Over HTTP the content is final after Navigate, so a predicate that
// is absent now will not appear; the floor still applies to pace requests.
func (s *httpSession) WaitReady(ctx context.Context, pred domain.ReadyPredicate, floor time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(floor):
	}
	if pred.Selector == "" || s.doc == nil {
		return nil
	}
	if s.doc.Find(pred.Selector).Length() == 0 {
		return fmt.Errorf("browser: readiness selector %q not present", pred.Selector)
	}
	return nil
}

// Interact paces the session like a reader would. Over HTTP there is no DOM
// to scroll, so only the pauses are honored.
func (s *httpSession) Interact(ctx context.Context, script domain.InteractionScript) error {
	total := script.Dwell
	for _, step := range script.Scrolls {
		total += step.Pause
	}
	if total <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(total):
	}
	s.interacted = true
	return nil
}

// DetectBlock inspects the HTTP status and body for challenge evidence.
func (s *httpSession) DetectBlock(_ context.Context) (*domain.BlockSignal, error) {
	switch s.status {
	case http.StatusForbidden:
		return &domain.BlockSignal{Kind: "blocked", Detail: "http_403"}, nil
	case http.StatusTooManyRequests:
		return &domain.BlockSignal{Kind: "blocked", Detail: "http_429"}, nil
	}
	lower := strings.ToLower(s.body)
	for _, bm := range blockMarkers {
		if strings.Contains(lower, bm.marker) {
			return &domain.BlockSignal{Kind: bm.kind, Detail: bm.detail}, nil
		}
	}
	return nil, nil
}

// Snapshot serializes the fetched page.
func (s *httpSession) Snapshot(_ context.Context) (domain.DOMSnapshot, error) {
	if s.doc == nil {
		return domain.DOMSnapshot{}, fmt.Errorf("browser: snapshot before navigation: %w", domain.ErrSessionCrashed)
	}
	return domain.DOMSnapshot{
		URL:     s.pageURL,
		HTML:    s.body,
		Text:    strings.Join(strings.Fields(s.doc.Text()), " "),
		TakenAt: s.fetchedAt,
	}, nil
}

// Close releases the session's connections. Idempotent.
func (s *httpSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}
