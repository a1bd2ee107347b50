// Package httploader loads textures over HTTP for an asset cache.
//
// Each Load issues one GET (retried on connection errors and 5xx responses),
// decodes an optional zstd or gzip Content-Encoding and decodes the image.
// PNG, JPEG, GIF, BMP, TIFF and WebP are supported.
package httploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/assetcache/cache"
)

var log = logging.Logger("httploader")

var (
	// ErrNetwork wraps transport failures (DNS, connect, reset, timeout).
	ErrNetwork = errors.New("httploader: network error")
	// ErrDecode wraps bodies that are not a supported image.
	ErrDecode = errors.New("httploader: cannot decode texture")
	// ErrTooLarge is returned when the body exceeds the configured limit.
	ErrTooLarge = errors.New("httploader: response too large")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httploader: %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Texture is a decoded image fetched from URL.
type Texture struct {
	URL    string
	Format string // decoder name: "png", "jpeg", "gif", "bmp", "tiff", "webp"
	Image  image.Image
	Bounds image.Rectangle
	Size   int // encoded size in bytes, after content decoding
}

// Loader fetches textures by URL. It implements cache.Loader[string, *Texture].
type Loader struct {
	client   *retryablehttp.Client
	limiter  *rate.Limiter
	header   http.Header
	maxBytes int64
	onUnload func(*Texture)

	unloads atomic.Int64
}

// New creates a texture loader.
func New(options ...Option) (*Loader, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		client: &retryablehttp.Client{
			HTTPClient:   opts.httpClient,
			RetryWaitMin: opts.retryWaitMin,
			RetryWaitMax: opts.retryWaitMax,
			RetryMax:     opts.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
			// Hand the last response back so non-2xx maps to StatusError.
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
		header:   opts.header,
		maxBytes: opts.maxBytes,
		onUnload: opts.onUnload,
	}
	if opts.rps > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.rps), opts.burst)
	}
	return l, nil
}

// NewCache returns a texture cache backed by l. opt.Loader is overwritten.
func NewCache(l *Loader, opt cache.Options[string, *Texture]) cache.Cache[string, *Texture] {
	opt.Loader = l
	return cache.New(opt)
}

// Load fetches and decodes the texture at url.
func (l *Loader) Load(ctx context.Context, url string) (*Texture, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for key, vals := range l.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := l.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := l.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, url, err)
	}
	log.Debugw("Texture loaded", "url", url, "format", format, "bytes", len(data))

	return &Texture{
		URL:    url,
		Format: format,
		Image:  img,
		Bounds: img.Bounds(),
		Size:   len(data),
	}, nil
}

// Unload releases the texture's pixel data.
func (l *Loader) Unload(tex *Texture) {
	if tex == nil {
		return
	}
	tex.Image = nil
	l.unloads.Add(1)
	log.Debugw("Texture unloaded", "url", tex.URL)
	if l.onUnload != nil {
		l.onUnload(tex)
	}
}

// Unloads returns the number of textures unloaded so far.
func (l *Loader) Unloads() int64 { return l.unloads.Load() }

// readBody returns the content-decoded body, at most maxBytes long.
func (l *Loader) readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body

	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case "zstd":
		zr, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}

	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

var _ cache.Loader[string, *Texture] = (*Loader)(nil)
