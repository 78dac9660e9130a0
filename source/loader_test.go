package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-form-autofill/config"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const listURL = "http://lists.example.test/patients"

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.FetchTimeout = time.Second
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	return cfg
}

func newTestLoader(cfg *config.Config, transport http.RoundTripper) *Loader {
	l := NewLoader(cfg, NewMetricsWith(nil))
	l.WithTransport(transport)
	return l
}

func contentResponder(status int, contentType, body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(status, body)
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return httpmock.ResponderFromResponse(resp)
}

func TestLoaderFormats(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		format      string
		want        []string
	}{
		{
			name:        "plain text",
			contentType: "text/plain",
			body:        "0001\n0002, 0003\r\n\n0001;0004\n",
			format:      FormatText,
			want:        []string{"0001", "0002", "0003", "0004"},
		},
		{
			name:        "json array",
			contentType: "application/json",
			body:        `["0001", 2, "0001", " 0003 "]`,
			format:      FormatJSON,
			want:        []string{"0001", "2", "0003"},
		},
		{
			name:        "json object numbers",
			contentType: "application/json; charset=utf-8",
			body:        `{"numbers": ["A", "B"]}`,
			format:      FormatJSON,
			want:        []string{"A", "B"},
		},
		{
			name:   "json object items without content type",
			body:   `{"items": ["X"]}`,
			format: FormatJSON,
			want:   []string{"X"},
		},
		{
			name:        "html list",
			contentType: "text/html",
			body:        `<html><head><title>t</title></head><body><ul><li>0001</li><li> 0002 </li></ul><script>var x = 1;</script></body></html>`,
			format:      FormatHTML,
			want:        []string{"0001", "0002"},
		},
		{
			name:        "html text",
			contentType: "text/html",
			body:        `<html><body><div>0001<br>0002</div><p>0003</p></body></html>`,
			format:      FormatHTML,
			want:        []string{"0001", "0002", "0003"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", listURL, contentResponder(http.StatusOK, tt.contentType, tt.body))

			l := newTestLoader(testConfig(), transport)
			result, err := l.Load(context.Background(), listURL)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if result.Format != tt.format {
				t.Fatalf("format = %q, want %q", result.Format, tt.format)
			}
			if strings.Join(result.Items, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("items = %v, want %v", result.Items, tt.want)
			}
			if result.Attempts != 1 {
				t.Fatalf("attempts = %d, want 1", result.Attempts)
			}
		})
	}
}

func TestLoaderHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
		calls    int
	}{
		{status: http.StatusForbidden, expected: "forbidden", calls: 1},
		{status: http.StatusNotFound, expected: "not_found", calls: 1},
		{status: http.StatusTooManyRequests, expected: "rate_limited", calls: 3},
		{status: http.StatusBadGateway, expected: "server", calls: 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", listURL, httpmock.NewStringResponder(tt.status, ""))

			l := newTestLoader(testConfig(), transport)
			_, err := l.Load(context.Background(), listURL)
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}
			if got := ErrorTypeLabel(err); got != tt.expected {
				t.Fatalf("label = %q, want %q (err %v)", got, tt.expected, err)
			}
			if got := transport.GetTotalCallCount(); got != tt.calls {
				t.Fatalf("calls = %d, want %d", got, tt.calls)
			}
			if got := testutil.ToFloat64(l.Metrics.ErrorsTotal.WithLabelValues(tt.expected)); got != float64(tt.calls) {
				t.Fatalf("error metric = %v, want %d", got, tt.calls)
			}
		})
	}
}

func TestLoaderRetriesThenSucceeds(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listURL, httpmock.ResponderFromMultipleResponses([]*http.Response{
		httpmock.NewStringResponse(http.StatusServiceUnavailable, ""),
		httpmock.NewStringResponse(http.StatusOK, "0001\n0002"),
	}))

	l := newTestLoader(testConfig(), transport)
	result, err := l.Load(context.Background(), listURL)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Attempts != 2 || len(result.Items) != 2 {
		t.Fatalf("result = %+v, want 2 items after 2 attempts", result)
	}
	if got := testutil.ToFloat64(l.Metrics.RetriesTotal); got != 1 {
		t.Fatalf("retries = %v, want 1", got)
	}
}

func TestLoaderEmptyList(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listURL, contentResponder(http.StatusOK, "text/plain", "\n , ;\n"))

	l := newTestLoader(testConfig(), transport)
	_, err := l.Load(context.Background(), listURL)
	if !errors.Is(err, ErrEmptyList) {
		t.Fatalf("expected ErrEmptyList, got %v", err)
	}
	if transport.GetTotalCallCount() != 1 {
		t.Fatalf("empty list should not be retried")
	}
}

func TestLoaderRejectsRelativeURL(t *testing.T) {
	l := newTestLoader(testConfig(), httpmock.NewMockTransport())
	for _, raw := range []string{"lists/patients.txt", "ftp://example.test/list", "http://"} {
		if _, err := l.Load(context.Background(), raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestLoaderCanceledContext(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listURL, httpmock.NewStringResponder(http.StatusOK, "0001"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := newTestLoader(testConfig(), transport)
	if _, err := l.Load(ctx, listURL); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("canceled load should not fetch")
	}
}

func TestLoaderBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond
	l := NewLoader(cfg, nil)

	if got := l.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("backoff(1) = %v, want 200ms", got)
	}
	if got := l.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("backoff(2) = %v, want 400ms", got)
	}
	if got := l.backoff(4); got != cfg.RetryBackoffMax {
		t.Fatalf("backoff(4) = %v, want %v", got, cfg.RetryBackoffMax)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "unauthorized", err: nil, statusCode: http.StatusUnauthorized, expected: "forbidden"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: nil, statusCode: http.StatusInternalServerError, expected: "server"},
		{name: "canceled", err: context.Canceled, statusCode: 0, expected: "canceled"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}
