// Package upstream fetches map resources over HTTP and converts the replies
// into offline.Response values.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"mapcache/internal/offline"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "mapcache/1.0"
)

// Fetcher performs conditional GETs against upstream servers.
type Fetcher struct {
	client *resty.Client
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Fetcher)

func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.client.SetTimeout(timeout)
		}
	}
}

func WithUserAgent(userAgent string) Option {
	return func(f *Fetcher) {
		if userAgent != "" {
			f.client.SetHeader("User-Agent", userAgent)
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func New(opts ...Option) *Fetcher {
	client := resty.New().
		SetTimeout(DefaultTimeout).
		SetHeader("User-Agent", DefaultUserAgent)
	f := &Fetcher{client: client, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch requests res, revalidating against prior when it carries an ETag or
// modification time. Network failures are reported in Response.Error; the
// returned error is non-nil only when ctx ends.
func (f *Fetcher) Fetch(ctx context.Context, res offline.Resource, prior *offline.Response) (*offline.Response, error) {
	req := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if prior != nil {
		if prior.ETag != "" {
			req.SetHeader("If-None-Match", prior.ETag)
		} else if !prior.Modified.IsZero() {
			req.SetHeader("If-Modified-Since", prior.Modified.UTC().Format(http.TimeFormat))
		}
	}

	start := f.now()
	resp, err := req.Get(res.URL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		f.log.Debug("Upstream request failed", zap.String("url", res.URL), zap.Error(err))
		return &offline.Response{Error: &offline.ResponseError{
			Reason:  offline.ReasonConnection,
			Message: err.Error(),
		}}, nil
	}
	raw := resp.RawResponse
	defer raw.Body.Close()

	out, err := f.convert(res, raw)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return &offline.Response{Error: &offline.ResponseError{
			Reason:  offline.ReasonConnection,
			Message: err.Error(),
		}}, nil
	}
	f.log.Debug("Upstream request",
		zap.String("url", res.URL),
		zap.Int("status", raw.StatusCode),
		zap.Duration("duration", f.now().Sub(start)))
	return out, nil
}

func (f *Fetcher) convert(res offline.Resource, raw *http.Response) (*offline.Response, error) {
	now := f.now()
	out := &offline.Response{}

	switch {
	case raw.StatusCode == http.StatusOK:
		body, err := io.ReadAll(raw.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		out.Data = body
	case raw.StatusCode == http.StatusNotModified:
		out.NotModified = true
	case raw.StatusCode == http.StatusNoContent || raw.StatusCode == http.StatusNotFound:
		out.NoContent = true
	case raw.StatusCode == http.StatusTooManyRequests:
		out.Error = &offline.ResponseError{
			Reason:     offline.ReasonRateLimit,
			Message:    raw.Status,
			RetryAfter: parseRetryAfter(raw.Header.Get("Retry-After"), now),
		}
		return out, nil
	case raw.StatusCode >= 500:
		out.Error = &offline.ResponseError{Reason: offline.ReasonServer, Message: raw.Status}
		return out, nil
	default:
		out.Error = &offline.ResponseError{Reason: offline.ReasonOther, Message: raw.Status}
		return out, nil
	}

	cc := parseCacheControl(raw.Header.Get("Cache-Control"))
	out.MustRevalidate = cc.mustRevalidate
	if expires, ok := cc.expires(now); ok {
		out.Expires = expires
	} else if t, err := http.ParseTime(raw.Header.Get("Expires")); err == nil {
		out.Expires = t.UTC()
	}
	if t, err := http.ParseTime(raw.Header.Get("Last-Modified")); err == nil {
		out.Modified = t.UTC()
	}
	out.ETag = raw.Header.Get("ETag")
	return out, nil
}

func parseRetryAfter(value string, now time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return now.Add(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(value); err == nil {
		return t
	}
	return time.Time{}
}

// IsCanceled reports whether err came from a canceled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
