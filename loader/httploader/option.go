package httploader

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultMaxBytes     = 32 << 20
	defaultRetryMax     = 3
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
)

type config struct {
	httpClient   *http.Client
	header       http.Header
	maxBytes     int64
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	rps          float64
	burst        int
	onUnload     func(*Texture)
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		httpClient:   http.DefaultClient,
		maxBytes:     defaultMaxBytes,
		retryMax:     defaultRetryMax,
		retryWaitMin: defaultRetryWaitMin,
		retryWaitMax: defaultRetryWaitMax,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClient sets the underlying http client. Retries are layered on top.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.httpClient = c
		}
		return nil
	}
}

// WithHeader adds a header sent with every texture request.
func WithHeader(key, value string) Option {
	return func(cfg *config) error {
		if cfg.header == nil {
			cfg.header = make(http.Header)
		}
		cfg.header.Add(key, value)
		return nil
	}
}

// WithMaxBytes caps the decoded response body size.
//
// Default is 32 MiB.
func WithMaxBytes(n int64) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return errors.New("max bytes must be positive")
		}
		cfg.maxBytes = n
		return nil
	}
}

// WithRetry configures retries of failed requests (connection errors, 5xx,
// 429). A retryMax of 0 disables retries.
//
// Default is 3 retries waiting between 100ms and 2s.
func WithRetry(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
		if retryMax < 0 {
			return errors.New("retry max must not be negative")
		}
		if waitMin > waitMax {
			return errors.New("retry wait min exceeds wait max")
		}
		cfg.retryMax = retryMax
		cfg.retryWaitMin = waitMin
		cfg.retryWaitMax = waitMax
		return nil
	}
}

// WithRateLimit limits texture requests to rps per second with the given
// burst. Loads wait for a token, bounded by their context.
func WithRateLimit(rps float64, burst int) Option {
	return func(cfg *config) error {
		if rps <= 0 || burst <= 0 {
			return errors.New("rate limit and burst must be positive")
		}
		cfg.rps = rps
		cfg.burst = burst
		return nil
	}
}

// WithOnUnload sets a function called for every unloaded texture, after its
// pixel data has been released.
func WithOnUnload(fn func(*Texture)) Option {
	return func(cfg *config) error {
		cfg.onUnload = fn
		return nil
	}
}
