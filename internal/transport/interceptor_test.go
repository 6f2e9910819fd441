package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-live-book/internal/parse"
	"go-live-book/internal/resolver"
)

type fakeResolver map[string]resolver.Resource

func (f fakeResolver) Resolve(name string) (resolver.Resource, error) {
	res, ok := f[name]
	if !ok {
		return resolver.Resource{}, resolver.ErrNotFound
	}
	return res, nil
}

// fakeParser becomes ready once release is closed.
type fakeParser struct {
	mu      sync.Mutex
	release chan struct{}
	added   []string
	addErr  error
}

func newFakeParser(ready bool) *fakeParser {
	p := &fakeParser{release: make(chan struct{})}
	if ready {
		close(p.release)
	}
	return p
}

func (p *fakeParser) AddRequest(name string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, name)
	return p.addErr
}

func (p *fakeParser) Fetch(name string) ([]byte, parse.Status) {
	select {
	case <-p.release:
		return []byte("annotated:" + name), parse.StatusReady
	default:
		return nil, parse.StatusPending
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newTestInterceptor(p *fakeParser, deadline time.Duration) *Interceptor {
	return NewInterceptor(Config{
		Resolver: fakeResolver{
			"text/ch1.html":   {Name: "text/ch1.html", Data: []byte("<p>src</p>"), MimeType: "text/html"},
			"fonts/a.ttf":     {Name: "fonts/a.ttf", Data: []byte("ttf"), MimeType: "application/x-font-truetype"},
			"styles/main.css": {Name: "styles/main.css", Data: []byte("p{}"), MimeType: "text/css"},
		},
		Parser:       p,
		PollInterval: time.Millisecond,
		Deadline:     deadline,
		InfoPage:     []byte("<h1>info</h1>"),
	})
}

func TestURLRoundTrip(t *testing.T) {
	for _, name := range []string{"text/ch1.html", "text/ch 1.html", "images/a#b.png", ""} {
		u := mustParse(t, URL(name))
		got, ok := NameFromURL(u)
		assert.True(t, ok, name)
		assert.Equal(t, name, got)
	}

	assert.Equal(t, "http://local.bookhost/", InfoURL())
	_, ok := NameFromURL(mustParse(t, "http://example.com/a.html"))
	assert.False(t, ok)
	_, ok = NameFromURL(mustParse(t, "https://local.bookhost/a.html"))
	assert.False(t, ok)
	_, ok = NameFromURL(nil)
	assert.False(t, ok)
}

func TestServeHTMLWaitsForParser(t *testing.T) {
	p := newFakeParser(false)
	i := newTestInterceptor(p, time.Second)

	done := make(chan Response, 1)
	go func() { done <- i.Serve(context.Background(), mustParse(t, URL("text/ch1.html"))) }()

	select {
	case <-done:
		t.Fatal("served before the parser was ready")
	case <-time.After(20 * time.Millisecond):
	}
	close(p.release)

	resp := <-done
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/html; charset=utf-8", resp.MimeType)
	assert.Equal(t, []byte("annotated:text/ch1.html"), resp.Body)
	assert.Equal(t, []string{"text/ch1.html"}, p.added)
}

func TestServeHTMLFallsBackAfterDeadline(t *testing.T) {
	i := newTestInterceptor(newFakeParser(false), 20*time.Millisecond)

	resp := i.Serve(context.Background(), mustParse(t, URL("text/ch1.html")))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, resp.Aborted)
	assert.Equal(t, []byte("<p>src</p>"), resp.Body)
}

func TestServeHTMLParserRejected(t *testing.T) {
	p := newFakeParser(false)
	p.addErr = parse.ErrStopped
	i := newTestInterceptor(p, time.Second)

	resp := i.Serve(context.Background(), mustParse(t, URL("text/ch1.html")))
	assert.Equal(t, []byte("<p>src</p>"), resp.Body)
}

func TestAbortReleasesWaiters(t *testing.T) {
	i := newTestInterceptor(newFakeParser(false), time.Minute)

	done := make(chan Response, 1)
	go func() { done <- i.Serve(context.Background(), mustParse(t, URL("text/ch1.html"))) }()
	time.Sleep(10 * time.Millisecond)
	i.Abort()

	select {
	case resp := <-done:
		assert.True(t, resp.Aborted)
	case <-time.After(time.Second):
		t.Fatal("abort did not release the request")
	}

	// Requests issued after the abort wait normally.
	i.SetDeadline(10 * time.Millisecond)
	resp := i.Serve(context.Background(), mustParse(t, URL("text/ch1.html")))
	assert.False(t, resp.Aborted)
}

func TestCancelledRequestAborts(t *testing.T) {
	i := newTestInterceptor(newFakeParser(false), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := i.Serve(ctx, mustParse(t, URL("text/ch1.html")))
	assert.True(t, resp.Aborted)
}

func TestServeNonHTML(t *testing.T) {
	i := newTestInterceptor(newFakeParser(true), time.Second)

	resp := i.Serve(context.Background(), mustParse(t, URL("styles/main.css")))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/css", resp.MimeType)
	assert.Equal(t, []byte("p{}"), resp.Body)

	resp = i.Serve(context.Background(), mustParse(t, URL("fonts/a.ttf")))
	assert.Equal(t, "application/x-font-ttf", resp.MimeType)
}

func TestServeNotFoundAndInfo(t *testing.T) {
	i := newTestInterceptor(newFakeParser(true), time.Second)

	resp := i.Serve(context.Background(), mustParse(t, URL("missing.html")))
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = i.Serve(context.Background(), mustParse(t, "http://example.com/text/ch1.html"))
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = i.Serve(context.Background(), mustParse(t, InfoURL()))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("<h1>info</h1>"), resp.Body)
}

func TestResponseHeader(t *testing.T) {
	h := Response{Status: http.StatusOK, MimeType: "text/css"}.Header()
	assert.Equal(t, "text/css", h.Get("Content-Type"))
	assert.Equal(t, "no-store", h.Get("Cache-Control"))
}

func TestRemapMimeType(t *testing.T) {
	assert.Equal(t, "application/x-font-ttf", RemapMimeType("application/vnd.ms-opentype"))
	assert.Equal(t, "application/x-font-ttf", RemapMimeType("application/font-sfnt"))
	assert.Equal(t, "font/woff2", RemapMimeType("font/woff2"))
}
