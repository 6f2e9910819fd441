// Package transport serves the preview's synthetic URL namespace from
// memory: bytes come from the resolver, HTML documents are swapped for their
// line-annotated form produced by the parse worker.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go-live-book/internal/parse"
	"go-live-book/internal/resolver"
)

const (
	// Scheme and Host form the only URL namespace that is intercepted.
	Scheme = "http"
	Host   = "local.bookhost"

	// DefaultPollInterval is the cadence at which HTML requests poll the
	// parse worker.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultDeadline bounds the wait for annotated bytes.
	DefaultDeadline = 2 * time.Second

	htmlMimeType = "text/html; charset=utf-8"
)

// fontMimeRemap silences browser warnings about legacy font media types.
var fontMimeRemap = map[string]string{
	"application/vnd.ms-opentype": "application/x-font-ttf",
	"application/x-font-truetype": "application/x-font-ttf",
	"application/font-sfnt":       "application/x-font-ttf",
}

// RemapMimeType normalizes the media types in the font remapping table.
func RemapMimeType(mimeType string) string {
	if m, ok := fontMimeRemap[strings.ToLower(mimeType)]; ok {
		return m
	}
	return mimeType
}

// URL returns the synthetic URL of a logical name.
func URL(name string) string {
	u := url.URL{Scheme: Scheme, Host: Host, Path: "/" + name}
	return u.String()
}

// InfoURL is the URL of the built-in informational page.
func InfoURL() string {
	return URL("")
}

// NameFromURL extracts the logical name from a synthetic URL. It reports
// false for URLs outside the reserved namespace.
func NameFromURL(u *url.URL) (string, bool) {
	if u == nil || !strings.EqualFold(u.Scheme, Scheme) || !strings.EqualFold(u.Hostname(), Host) {
		return "", false
	}
	return strings.TrimPrefix(u.Path, "/"), true
}

// Resolver supplies the current bytes of a logical name.
type Resolver interface {
	Resolve(name string) (resolver.Resource, error)
}

// Parser is the parse worker contract used by the interceptor.
type Parser interface {
	AddRequest(name string, data []byte) error
	Fetch(name string) ([]byte, parse.Status)
}

// Response is what the browser receives for an intercepted request.
// Aborted responses must be failed rather than fulfilled.
type Response struct {
	Status   int
	MimeType string
	Body     []byte
	Aborted  bool
}

// Header returns the HTTP headers to send with the response.
func (r Response) Header() http.Header {
	h := http.Header{}
	if r.MimeType != "" {
		h.Set("Content-Type", r.MimeType)
	}
	h.Set("Cache-Control", "no-store")
	return h
}

// Config configures an Interceptor.
type Config struct {
	Resolver     Resolver
	Parser       Parser
	PollInterval time.Duration
	Deadline     time.Duration
	// InfoPage is served for the namespace root.
	InfoPage []byte
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Interceptor answers browser requests for the synthetic namespace. It is
// safe for concurrent use by the browser's network goroutines.
type Interceptor struct {
	cfg      Config
	deadline atomic.Int64
	abort    atomic.Uint64
}

func NewInterceptor(cfg Config) *Interceptor {
	cfg.defaults()
	i := &Interceptor{cfg: cfg}
	i.deadline.Store(int64(cfg.Deadline))
	return i
}

// Handles reports whether u belongs to the intercepted namespace.
func (i *Interceptor) Handles(u *url.URL) bool {
	_, ok := NameFromURL(u)
	return ok
}

// SetDeadline changes how long HTML requests wait for the parse worker.
func (i *Interceptor) SetDeadline(d time.Duration) {
	if d <= 0 {
		d = DefaultDeadline
	}
	i.deadline.Store(int64(d))
}

// Abort releases every HTML request currently waiting on the parse worker.
// The worker itself is not cancelled.
func (i *Interceptor) Abort() {
	i.abort.Add(1)
}

// Serve produces the response for u.
func (i *Interceptor) Serve(ctx context.Context, u *url.URL) Response {
	name, ok := NameFromURL(u)
	if !ok {
		return notFound()
	}
	if name == "" {
		return Response{Status: http.StatusOK, MimeType: htmlMimeType, Body: i.cfg.InfoPage}
	}

	res, err := i.cfg.Resolver.Resolve(name)
	if err != nil {
		if !errors.Is(err, resolver.ErrNotFound) {
			i.cfg.Logger.Warn("transport: resolve failed", "name", name, "error", err)
		} else {
			i.cfg.Logger.Debug("transport: not found", "name", name)
		}
		return notFound()
	}

	if !res.IsHTML() {
		return Response{Status: http.StatusOK, MimeType: RemapMimeType(res.MimeType), Body: res.Data}
	}
	return i.serveHTML(ctx, res)
}

func (i *Interceptor) serveHTML(ctx context.Context, res resolver.Resource) Response {
	gen := i.abort.Load()
	original := Response{Status: http.StatusOK, MimeType: htmlMimeType, Body: res.Data}

	if err := i.cfg.Parser.AddRequest(res.Name, res.Data); err != nil {
		i.cfg.Logger.Warn("transport: parse request rejected", "name", res.Name, "error", err)
		return original
	}

	deadline := time.Now().Add(time.Duration(i.deadline.Load()))
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if parsed, st := i.cfg.Parser.Fetch(res.Name); st == parse.StatusReady {
			return Response{Status: http.StatusOK, MimeType: htmlMimeType, Body: parsed}
		}
		if i.abort.Load() != gen {
			return Response{Aborted: true}
		}
		if time.Now().After(deadline) {
			i.cfg.Logger.Debug("transport: parse deadline exceeded, serving source", "name", res.Name)
			return original
		}

		select {
		case <-ctx.Done():
			return Response{Aborted: true}
		case <-ticker.C:
		}
	}
}

func notFound() Response {
	return Response{
		Status:   http.StatusNotFound,
		MimeType: "text/plain; charset=utf-8",
		Body:     []byte(http.StatusText(http.StatusNotFound)),
	}
}
