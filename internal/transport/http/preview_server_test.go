package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-live-book/internal/browser"
	"go-live-book/internal/contracts"
	"go-live-book/internal/transport"
)

type fakeInterceptor struct {
	docs map[string]transport.Response
}

func (f *fakeInterceptor) Handles(u *url.URL) bool {
	_, ok := transport.NameFromURL(u)
	return ok
}

func (f *fakeInterceptor) Serve(_ context.Context, u *url.URL) transport.Response {
	name, _ := transport.NameFromURL(u)
	if resp, ok := f.docs[name]; ok {
		return resp
	}
	return transport.Response{Status: http.StatusNotFound, MimeType: "text/plain", Body: []byte("404")}
}

func startServer(t *testing.T) *PreviewServer {
	t.Helper()
	srv := NewPreviewServer(Config{
		Addr: "127.0.0.1:0",
		Interceptor: &fakeInterceptor{docs: map[string]transport.Response{
			"ch1.html": {Status: http.StatusOK, MimeType: "text/html; charset=utf-8", Body: []byte("<html><head><title>x</title></head><body><p>a</p></body></html>")},
			"a.css":    {Status: http.StatusOK, MimeType: "text/css", Body: []byte("p{}")},
		}},
		BindingName: "__bookbridge_test",
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func get(t *testing.T, u string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServeDocumentInjectsScripts(t *testing.T) {
	srv := startServer(t)
	require.NoError(t, srv.SetInitScript("window.initRan = true;"))

	resp, body := get(t, srv.URL()+"book/ch1.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	head := strings.Index(body, "<head>")
	script := strings.Index(body, "<script>")
	require.GreaterOrEqual(t, head, 0)
	assert.Equal(t, head+len("<head>"), script)
	assert.Contains(t, body, `window["__bookbridge_test"]`)
	assert.Contains(t, body, "window.initRan = true;")
	assert.True(t, strings.HasSuffix(body, "<title>x</title></head><body><p>a</p></body></html>"))
}

func TestServeNonHTMLUntouched(t *testing.T) {
	srv := startServer(t)
	require.NoError(t, srv.SetInitScript("window.initRan = true;"))

	resp, body := get(t, srv.URL()+"book/a.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))
	assert.Equal(t, "p{}", body)

	resp, _ = get(t, srv.URL()+"book/missing.html")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShellIsServed(t *testing.T) {
	srv := startServer(t)
	resp, body := get(t, srv.URL())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `<iframe id="doc"`)
}

func dial(t *testing.T, srv *PreviewServer) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL(), "http") + "ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readCommand(t *testing.T, conn *websocket.Conn) contracts.CommandMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var cmd contracts.CommandMessage
	require.NoError(t, conn.ReadJSON(&cmd))
	return cmd
}

func nextEvent(t *testing.T, srv *PreviewServer) browser.Event {
	t.Helper()
	select {
	case e := <-srv.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return browser.Event{}
	}
}

func TestNavigationReplayedToNewConnection(t *testing.T) {
	srv := startServer(t)
	srv.Navigate(transport.URL("text/ch 1.html"))

	conn := dial(t, srv)
	cmd := readCommand(t, conn)
	assert.Equal(t, contracts.MessageTypeNavigate, cmd.Type)
	assert.Equal(t, "/book/text/ch%201.html", cmd.URL)

	srv.Eval("1+1")
	cmd = readCommand(t, conn)
	assert.Equal(t, contracts.MessageTypeEval, cmd.Type)
	assert.Equal(t, "1+1", cmd.JS)
}

func TestShellMessagesBecomeEvents(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(contracts.LoadMessage{Type: contracts.MessageTypeLoadStart, URL: "/book/ch1.html"}))
	e := nextEvent(t, srv)
	assert.Equal(t, browser.EventLoadStarted, e.Kind)
	assert.Equal(t, transport.URL("ch1.html"), e.URL)

	require.NoError(t, conn.WriteJSON(contracts.LoadMessage{Type: contracts.MessageTypeLoad, URL: "/book/ch1.html", OK: true}))
	e = nextEvent(t, srv)
	assert.Equal(t, browser.EventLoadFinished, e.Kind)
	assert.True(t, e.OK)

	payload, _ := json.Marshal(map[string]any{"type": "ready", "name": "ch1.html", "lines": 3})
	require.NoError(t, conn.WriteJSON(contracts.BridgeMessage{Type: contracts.MessageTypeBridge, Payload: string(payload)}))
	e = nextEvent(t, srv)
	assert.Equal(t, browser.EventBridge, e.Kind)
	assert.JSONEq(t, string(payload), e.Payload)
}

func TestInjectScript(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"head", `<html lang="en"><head class="h"><title>t</title></head></html>`, `<html lang="en"><head class="h">S<title>t</title></head></html>`},
		{"no head", `<html><body>x</body></html>`, `<html>S<body>x</body></html>`},
		{"fragment", `<p>x</p>`, `S<p>x</p>`},
		{"comment first", `<!-- <head> --><head></head>`, `<!-- <head> --><head>S</head>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := injectScript([]byte(tt.doc), "s()")
			want := strings.Replace(tt.want, "S", "<script>//<![CDATA[\ns()\n//]]></script>", 1)
			assert.Equal(t, want, string(got))
		})
	}
}

func TestURLMapping(t *testing.T) {
	assert.Equal(t, "/book/a/b.html", documentPath(transport.URL("a/b.html")))
	assert.Equal(t, "https://example.com/", documentPath("https://example.com/"))
	assert.Equal(t, transport.URL("a/b c.html"), syntheticURL("/book/a/b%20c.html"))
	assert.Equal(t, "blank", syntheticURL("blank"))
}
