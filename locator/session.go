package locator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

// SessionOptions configures the browser that hosts the form.
type SessionOptions struct {
	Headless bool
	Timeout  time.Duration
	// Install downloads the driver and chromium before launching.
	Install bool
}

// Session owns a playwright browser with one page opened on the target form.
type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	backend *Page
}

// OpenSession launches chromium and navigates to url. The caller must Close it.
func OpenSession(url string, opts SessionOptions) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			slog.Warn("Playwright install failed, continuing", slog.Any("error", err))
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	page, err := browser.NewPage()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("open page: %w", err)
	}
	page.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))

	s := &Session{pw: pw, browser: browser, page: page, backend: NewPage(page, opts.Timeout)}
	if url != "" {
		if _, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
	}
	slog.Info("Browser session ready", slog.String("url", url), slog.Bool("headless", opts.Headless))
	return s, nil
}

// Backend returns the page backend for locators and dismissers.
func (s *Session) Backend() *Page {
	return s.backend
}

// Snapshot returns the current page markup.
func (s *Session) Snapshot() (string, error) {
	return s.page.Content()
}

// Close shuts the browser and the playwright driver.
func (s *Session) Close() error {
	var errs []error
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
	}
	return errors.Join(errs...)
}
