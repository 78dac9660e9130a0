package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds process configuration for the form runner.
type Config struct {
	TargetURL      string
	ProfilePath    string
	Headless       bool
	BrowserTimeout time.Duration
	NavigateWait   time.Duration

	Delay        time.Duration
	SettleDelay  time.Duration
	DialogSettle time.Duration
	DateSettle   time.Duration

	LocatorCacheSize int

	ListenAddr     string
	StatePath      string
	HistoryFile    string
	HistoryFormat  string // json, csv, dual, or none
	ReporterBuffer int
	ReporterBatch  int

	FetchTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	UserAgent       string

	Verbose bool
}

// DefaultConfig returns the timings the entry form is known to tolerate.
func DefaultConfig() *Config {
	return &Config{
		TargetURL:        "https://pcarejkn.bpjs-kesehatan.go.id/eclaim/EntriDaftarDokkel",
		ProfilePath:      "",
		Headless:         false,
		BrowserTimeout:   10 * time.Second,
		NavigateWait:     0,
		Delay:            1200 * time.Millisecond,
		SettleDelay:      200 * time.Millisecond,
		DialogSettle:     300 * time.Millisecond,
		DateSettle:       1000 * time.Millisecond,
		LocatorCacheSize: 32,
		ListenAddr:       "127.0.0.1:8088",
		StatePath:        "data/autofill.db",
		HistoryFile:      "data/progress.jsonl",
		HistoryFormat:    "json",
		ReporterBuffer:   1024,
		ReporterBatch:    32,
		FetchTimeout:     10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:          false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("target URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("target URL must include a host")
	}

	if c.BrowserTimeout <= 0 {
		return fmt.Errorf("browser timeout must be positive")
	}
	if c.NavigateWait < 0 {
		return fmt.Errorf("navigate wait cannot be negative")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.SettleDelay < 0 || c.DialogSettle < 0 || c.DateSettle < 0 {
		return fmt.Errorf("settle delays cannot be negative")
	}
	if c.Delay > 0 && c.SettleDelay > c.Delay {
		return fmt.Errorf("settle delay (%s) cannot exceed delay (%s)", c.SettleDelay, c.Delay)
	}
	if c.LocatorCacheSize <= 0 {
		return fmt.Errorf("locator cache size must be positive")
	}
	if c.ReporterBuffer <= 0 {
		return fmt.Errorf("reporter buffer must be positive")
	}
	if c.ReporterBatch <= 0 {
		return fmt.Errorf("reporter batch must be positive")
	}
	if c.HistoryFormat != "json" && c.HistoryFormat != "csv" && c.HistoryFormat != "dual" && c.HistoryFormat != "none" {
		return fmt.Errorf("history format must be json, csv, dual, or none")
	}
	if c.HistoryFormat != "none" && c.HistoryFile == "" {
		return fmt.Errorf("history file cannot be empty")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// fileConfig mirrors Config in the TOML file; durations are milliseconds.
type fileConfig struct {
	Browser struct {
		TargetURL      *string `toml:"target_url"`
		Profile        *string `toml:"profile"`
		Headless       *bool   `toml:"headless"`
		TimeoutMs      *int    `toml:"timeout_ms"`
		NavigateWaitMs *int    `toml:"navigate_wait_ms"`
	} `toml:"browser"`
	Timing struct {
		DelayMs        *int `toml:"delay_ms"`
		SettleMs       *int `toml:"settle_ms"`
		DialogSettleMs *int `toml:"dialog_settle_ms"`
		DateSettleMs   *int `toml:"date_settle_ms"`
	} `toml:"timing"`
	Locator struct {
		CacheSize *int `toml:"cache_size"`
	} `toml:"locator"`
	Output struct {
		ListenAddr     *string `toml:"listen_addr"`
		StatePath      *string `toml:"state_path"`
		HistoryFile    *string `toml:"history_file"`
		HistoryFormat  *string `toml:"history_format"`
		ReporterBuffer *int    `toml:"reporter_buffer"`
		ReporterBatch  *int    `toml:"reporter_batch"`
	} `toml:"output"`
	Fetch struct {
		TimeoutMs         *int    `toml:"timeout_ms"`
		MaxRetries        *int    `toml:"max_retries"`
		RetryBackoffMs    *int    `toml:"retry_backoff_ms"`
		RetryBackoffMaxMs *int    `toml:"retry_backoff_max_ms"`
		UserAgent         *string `toml:"user_agent"`
	} `toml:"fetch"`
}

// Load reads a TOML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.apply(cfg)
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.TargetURL, fc.Browser.TargetURL)
	setString(&cfg.ProfilePath, fc.Browser.Profile)
	if fc.Browser.Headless != nil {
		cfg.Headless = *fc.Browser.Headless
	}
	setMillis(&cfg.BrowserTimeout, fc.Browser.TimeoutMs)
	setMillis(&cfg.NavigateWait, fc.Browser.NavigateWaitMs)

	setMillis(&cfg.Delay, fc.Timing.DelayMs)
	setMillis(&cfg.SettleDelay, fc.Timing.SettleMs)
	setMillis(&cfg.DialogSettle, fc.Timing.DialogSettleMs)
	setMillis(&cfg.DateSettle, fc.Timing.DateSettleMs)

	setInt(&cfg.LocatorCacheSize, fc.Locator.CacheSize)

	setString(&cfg.ListenAddr, fc.Output.ListenAddr)
	setString(&cfg.StatePath, fc.Output.StatePath)
	setString(&cfg.HistoryFile, fc.Output.HistoryFile)
	if fc.Output.HistoryFormat != nil {
		cfg.HistoryFormat = strings.ToLower(*fc.Output.HistoryFormat)
	}
	setInt(&cfg.ReporterBuffer, fc.Output.ReporterBuffer)
	setInt(&cfg.ReporterBatch, fc.Output.ReporterBatch)

	setMillis(&cfg.FetchTimeout, fc.Fetch.TimeoutMs)
	setInt(&cfg.MaxRetries, fc.Fetch.MaxRetries)
	setMillis(&cfg.RetryBackoff, fc.Fetch.RetryBackoffMs)
	setMillis(&cfg.RetryBackoffMax, fc.Fetch.RetryBackoffMaxMs)
	setString(&cfg.UserAgent, fc.Fetch.UserAgent)

	cfg.ProfilePath = ExpandPath(cfg.ProfilePath)
	cfg.StatePath = ExpandPath(cfg.StatePath)
	cfg.HistoryFile = ExpandPath(cfg.HistoryFile)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setMillis(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Millisecond
	}
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
