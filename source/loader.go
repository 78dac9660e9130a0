// Package source loads item lists from remote documents.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aluiziolira/go-form-autofill/config"
	"github.com/gocolly/colly/v2"
)

// Result is a loaded list.
type Result struct {
	URL      string   `json:"url"`
	Format   string   `json:"format"`
	Items    []string `json:"items"`
	Attempts int      `json:"attempts"`
}

// Loader fetches lists through a colly collector with bounded retries.
type Loader struct {
	cfg       *config.Config
	transport http.RoundTripper
	Metrics   *Metrics
}

// NewLoader builds a loader configured from cfg. metrics may be nil.
func NewLoader(cfg *config.Config, metrics *Metrics) *Loader {
	return &Loader{
		cfg: cfg,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.FetchTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Metrics: metrics,
	}
}

// WithTransport replaces the HTTP transport used for fetches.
func (l *Loader) WithTransport(rt http.RoundTripper) {
	l.transport = rt
}

// Load fetches rawURL and parses the items it lists. Timeouts, connection
// failures, 429 and 5xx responses are retried with capped exponential backoff.
func (l *Loader) Load(ctx context.Context, rawURL string) (*Result, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse list url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("list url %q must be an absolute http(s) url", rawURL)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body, contentType, err := l.fetch(ctx, target.String())
		if err == nil {
			items, format, err := ParseList(body, contentType)
			if err != nil {
				l.Metrics.IncError(ErrorTypeLabel(err))
				return nil, fmt.Errorf("load %s: %w", rawURL, err)
			}
			l.Metrics.AddItems(len(items))
			slog.Info("Item list loaded",
				slog.String("url", rawURL),
				slog.String("format", format),
				slog.Int("items", len(items)),
				slog.Int("attempts", attempt),
			)
			return &Result{URL: rawURL, Format: format, Items: items, Attempts: attempt}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		category := ErrorTypeLabel(err)
		l.Metrics.IncError(category)
		slog.Warn("List fetch failed",
			slog.String("url", rawURL),
			slog.String("category", category),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		if !retryable(err) || attempt > l.cfg.MaxRetries {
			return nil, fmt.Errorf("load %s: %w", rawURL, err)
		}
		l.Metrics.IncRetries()
		wait := time.NewTimer(l.backoff(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		case <-wait.C:
		}
	}
}

func (l *Loader) fetch(ctx context.Context, target string) ([]byte, string, error) {
	collector := colly.NewCollector(
		colly.UserAgent(l.cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(l.cfg.FetchTimeout)
	collector.WithTransport(&contextTransport{ctx: ctx, base: l.transport})

	var (
		body        []byte
		contentType string
		statusCode  int
		fetchErr    error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			statusCode = r.StatusCode
		}
	})

	start := time.Now()
	visitErr := collector.Visit(target)
	l.Metrics.ObserveDuration(time.Since(start))

	if fetchErr == nil {
		fetchErr = visitErr
	}
	if fetchErr != nil || statusCode >= http.StatusBadRequest {
		l.Metrics.IncRequest("error")
		return nil, "", classifyError(fetchErr, statusCode)
	}
	l.Metrics.IncRequest("ok")
	return body, contentType, nil
}

func (l *Loader) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := l.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := l.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// contextTransport ties requests to a caller context while keeping the
// client's own deadline.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
