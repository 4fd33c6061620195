// Package httpfetch provides an origin that downloads documents over HTTP.
// Retries with exponential backoff and a request rate limit are properties
// of the stage, not of the engine.
package httpfetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// Config holds the Fetcher kwargs.
type Config struct {
	URLs    []string          `mapstructure:"urls"`
	Source  string            `mapstructure:"source"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Retries int               `mapstructure:"retries"`
	// Rate is the number of requests per second; 0 disables limiting.
	Rate     float64 `mapstructure:"rate"`
	MaxBytes int64   `mapstructure:"max_bytes"`
}

func defaultConfig() Config {
	return Config{
		Timeout:  30 * time.Second,
		Retries:  3,
		Rate:     1,
		MaxBytes: 64 << 20,
	}
}

// Fetcher emits one RawItem per URL. The source is the source kwarg when
// set, otherwise the URL.
type Fetcher struct {
	stage.Origin
	cfg     Config
	log     *zap.SugaredLogger
	client  *retryablehttp.Client
	limiter *rate.Limiter
	waitMin time.Duration
}

// New builds a Fetcher from kwargs: urls (required), source, headers,
// timeout, retries, rate, max_bytes.
func New(opts stage.Options, deps stage.Deps) (*Fetcher, error) {
	if err := opts.Require("urls"); err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.URLs) == 0 {
		return nil, errors.Mark(errors.New("urls must not be empty"), errors.ErrInvalidConfig)
	}
	if cfg.Retries < 0 || cfg.Rate < 0 || cfg.Timeout <= 0 {
		return nil, errors.Mark(errors.New("retries and rate must be >= 0, timeout > 0"), errors.ErrInvalidConfig)
	}
	return &Fetcher{cfg: cfg, log: deps.Log(), waitMin: time.Second}, nil
}

func (f *Fetcher) Accepts() []item.Kind { return []item.Kind{item.KindSeed} }
func (f *Fetcher) Emits() []item.Kind   { return []item.Kind{item.KindRaw} }

// Open creates the HTTP client used for the run.
func (f *Fetcher) Open(context.Context) error {
	c := retryablehttp.NewClient()
	c.RetryMax = f.cfg.Retries
	c.RetryWaitMin = f.waitMin
	c.RetryWaitMax = 30 * f.waitMin
	c.Logger = leveled{f.log}
	c.HTTPClient.Timeout = f.cfg.Timeout
	f.client = c
	if f.cfg.Rate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(f.cfg.Rate), 1)
	}
	return nil
}

// Close drops idle connections.
func (f *Fetcher) Close(context.Context) error {
	if f.client != nil {
		f.client.HTTPClient.CloseIdleConnections()
		f.client = nil
	}
	return nil
}

func (f *Fetcher) Transform(ctx context.Context, _ item.Stream) item.Stream {
	return stage.Originate(ctx, func(ctx context.Context, emit func(any) bool) error {
		if f.client == nil {
			return errors.New("fetcher used before Open")
		}
		for _, u := range f.cfg.URLs {
			raw, err := f.fetch(ctx, u)
			if err != nil {
				return err
			}
			if !emit(raw) {
				return nil
			}
		}
		return nil
	})
}

func (f *Fetcher) fetch(ctx context.Context, url string) (item.RawItem, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return item.RawItem{}, err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return item.RawItem{}, errors.Wrapf(err, "build request %s", url)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return item.RawItem{}, errors.Wrapf(err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return item.RawItem{}, errors.Newf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return item.RawItem{}, errors.Wrapf(err, "read %s", url)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return item.RawItem{}, errors.Newf("fetch %s: body exceeds %d bytes", url, f.cfg.MaxBytes)
	}
	f.log.Infow("Fetched document", "url", url, "status", resp.StatusCode, "bytes", len(body), "duration", time.Since(start))

	src := f.cfg.Source
	if src == "" {
		src = url
	}
	return item.RawItem{Source: src, Payload: body, FetchedAt: time.Now().UTC()}, nil
}

// leveled adapts a zap logger to retryablehttp.LeveledLogger.
type leveled struct{ log *zap.SugaredLogger }

func (l leveled) Error(msg string, kv ...any) { l.log.Errorw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...any)  { l.log.Warnw(msg, kv...) }
func (l leveled) Info(msg string, kv ...any)  { l.log.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...any) { l.log.Debugw(msg, kv...) }
