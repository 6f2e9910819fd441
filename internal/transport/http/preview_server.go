// Package httpserver is a View for browsers that cannot be driven over
// DevTools. Documents are shown in an iframe of a small shell page; the
// shell and the host talk over a single WebSocket.
package httpserver

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"go-live-book/internal/browser"
	"go-live-book/internal/contracts"
	"go-live-book/internal/resolver"
	"go-live-book/internal/transport"
)

// DocumentRoot is the path prefix under which logical names are served.
const DocumentRoot = "/book/"

//go:embed shell.html
var shellPage []byte

// Config configures a PreviewServer.
type Config struct {
	// Addr is the listen address. Default: 127.0.0.1:7777.
	Addr        string
	Interceptor browser.Interceptor
	// BindingName is the window function documents call to reach the host.
	BindingName string
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7777"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PreviewServer coordinates HTTP serving and WebSocket traffic.
type PreviewServer struct {
	cfg Config

	started  bool
	server   *http.Server
	listener net.Listener

	initMu     sync.RWMutex
	initScript string

	events         chan browser.Event
	browserInbound chan []byte
	commands       chan contracts.CommandMessage
	register       chan *websocket.Conn
	unregister     chan *websocket.Conn
	stopLoop       chan struct{}
	stopOnce       sync.Once

	upgrader websocket.Upgrader
}

var _ browser.View = (*PreviewServer)(nil)

// NewPreviewServer creates a server. Call Start to listen.
func NewPreviewServer(cfg Config) *PreviewServer {
	cfg.defaults()
	return &PreviewServer{
		cfg: cfg,

		events:         make(chan browser.Event, 64),
		browserInbound: make(chan []byte, 64),
		commands:       make(chan contracts.CommandMessage, 64),
		register:       make(chan *websocket.Conn),
		unregister:     make(chan *websocket.Conn),
		stopLoop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes of the server.
func (m *PreviewServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", m.handleIndex)
	r.Get("/ws", m.handleWS)
	r.Get(DocumentRoot+"*", m.handleDocument)
	return r
}

// Start listens on the configured address and starts the run loop.
func (m *PreviewServer) Start() error {
	if m.started {
		return nil
	}
	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", m.cfg.Addr, err)
	}
	m.listener = ln
	m.server = &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	m.started = true

	go m.runLoop()
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.cfg.Logger.Error("httpserver: serve failed", "error", err)
		}
	}()
	m.cfg.Logger.Info("httpserver: listening", "url", m.URL())
	return nil
}

// URL returns the browser URL of the preview shell.
func (m *PreviewServer) URL() string {
	if m.listener != nil {
		return "http://" + m.listener.Addr().String() + "/"
	}
	return "http://" + m.cfg.Addr + "/"
}

// Close gracefully shuts down the HTTP server and run loop.
func (m *PreviewServer) Close() error {
	if !m.started || m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.server.Shutdown(ctx)
	m.stopOnce.Do(func() { close(m.stopLoop) })

	m.started = false
	m.server = nil
	return err
}

// Navigate loads the document at the synthetic URL u.
func (m *PreviewServer) Navigate(u string) {
	m.send(contracts.CommandMessage{Type: contracts.MessageTypeNavigate, URL: documentPath(u)})
}

func (m *PreviewServer) Reload() {
	m.send(contracts.CommandMessage{Type: contracts.MessageTypeReload})
}

func (m *PreviewServer) Stop() {
	m.send(contracts.CommandMessage{Type: contracts.MessageTypeStop})
}

func (m *PreviewServer) Eval(js string) {
	m.send(contracts.CommandMessage{Type: contracts.MessageTypeEval, JS: js})
}

// SetInitScript sets the script injected into every served HTML document.
func (m *PreviewServer) SetInitScript(js string) error {
	m.initMu.Lock()
	m.initScript = js
	m.initMu.Unlock()
	return nil
}

func (m *PreviewServer) DocumentRoot() string {
	return DocumentRoot
}

func (m *PreviewServer) Events() <-chan browser.Event {
	return m.events
}

func (m *PreviewServer) send(cmd contracts.CommandMessage) {
	select {
	case m.commands <- cmd:
	case <-m.stopLoop:
	}
}

func (m *PreviewServer) emit(e browser.Event) {
	select {
	case m.events <- e:
	case <-m.stopLoop:
	}
}

// handleIndex serves the shell page.
func (m *PreviewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(shellPage)
}

// handleWS upgrades the connection and forwards shell messages to the loop.
func (m *PreviewServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case m.register <- conn:
	case <-m.stopLoop:
		_ = conn.Close()
		return
	}
	defer func() {
		select {
		case m.unregister <- conn:
		case <-m.stopLoop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case m.browserInbound <- msg:
		case <-m.stopLoop:
			return
		}
	}
}

// handleDocument serves a logical name through the interceptor. HTML gets
// the host binding shim and the init script.
func (m *PreviewServer) handleDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	u, err := url.Parse(transport.URL(name))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	resp := m.cfg.Interceptor.Serve(r.Context(), u)
	if resp.Aborted {
		panic(http.ErrAbortHandler)
	}

	body := resp.Body
	if resp.Status == http.StatusOK && resolver.IsHTMLType(resp.MimeType) {
		body = injectScript(body, m.documentScript())
	}

	for key, values := range resp.Header() {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(body)
}

// documentScript is the binding shim followed by the init script.
func (m *PreviewServer) documentScript() string {
	name, _ := json.Marshal(m.cfg.BindingName)
	shim := fmt.Sprintf("window[%s] = function (p) { parent.postMessage({ bookBridge: p }, \"*\"); };\n", name)

	m.initMu.RLock()
	defer m.initMu.RUnlock()
	return shim + m.initScript
}

// runLoop serializes shell state and websocket writes on a single goroutine.
func (m *PreviewServer) runLoop() {
	var conn *websocket.Conn

	var lastNav contracts.CommandMessage
	haveNav := false

	for {
		select {
		case cmd := <-m.commands:
			if cmd.Type == contracts.MessageTypeNavigate {
				lastNav = cmd
				haveNav = true
			}
			if conn == nil {
				continue
			}
			if !writeJSON(conn, cmd) {
				conn = nil
			}

		case c := <-m.register:
			if conn != nil {
				_ = conn.Close()
			}
			conn = c

			if haveNav && !writeJSON(conn, lastNav) {
				conn = nil
			}

		case c := <-m.unregister:
			if conn == c {
				_ = conn.Close()
				conn = nil
			}

		case raw := <-m.browserInbound:
			m.dispatch(raw)

		case <-m.stopLoop:
			if conn != nil {
				_ = conn.Close()
				conn = nil
			}
			return
		}
	}
}

func (m *PreviewServer) dispatch(raw []byte) {
	var envelope contracts.IncomingMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		m.cfg.Logger.Debug("httpserver: bad message", "error", err)
		return
	}
	switch envelope.Type {
	case contracts.MessageTypeLoadStart, contracts.MessageTypeLoad:
		var msg contracts.LoadMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		kind := browser.EventLoadFinished
		if msg.Type == contracts.MessageTypeLoadStart {
			kind = browser.EventLoadStarted
		}
		m.emit(browser.Event{Kind: kind, URL: syntheticURL(msg.URL), OK: msg.OK})

	case contracts.MessageTypeBridge:
		var msg contracts.BridgeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		m.emit(browser.Event{Kind: browser.EventBridge, Payload: msg.Payload})
	}
}

// documentPath maps a synthetic URL to the path the shell loads.
func documentPath(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	name, ok := transport.NameFromURL(parsed)
	if !ok {
		return u
	}
	p := url.URL{Path: DocumentRoot + name}
	return p.EscapedPath()
}

// syntheticURL maps a shell document path back to its synthetic URL.
// Paths outside the document root are returned unchanged.
func syntheticURL(p string) string {
	if !strings.HasPrefix(p, DocumentRoot) {
		return p
	}
	name, err := url.PathUnescape(strings.TrimPrefix(p, DocumentRoot))
	if err != nil {
		return p
	}
	return transport.URL(name)
}

// injectScript inserts an inline script right after the <head> start tag,
// or after <html> when there is no head, or at the very start otherwise.
func injectScript(doc []byte, script string) []byte {
	tag := "<script>//<![CDATA[\n" + strings.ReplaceAll(script, "</", "<\\/") + "\n//]]></script>"

	at := -1
	offset := 0
	z := html.NewTokenizer(bytes.NewReader(doc))
scan:
	for {
		tt := z.Next()
		raw := len(z.Raw())
		switch tt {
		case html.ErrorToken:
			break scan
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Head:
				at = offset + raw
				break scan
			case atom.Html:
				if at < 0 {
					at = offset + raw
				}
			case atom.Body:
				break scan
			}
		}
		offset += raw
	}
	if at < 0 {
		at = 0
	}

	out := make([]byte, 0, len(doc)+len(tag))
	out = append(out, doc[:at]...)
	out = append(out, tag...)
	return append(out, doc[at:]...)
}

// writeJSON writes a JSON message and reports whether the connection is usable.
func writeJSON(conn *websocket.Conn, v any) bool {
	if err := conn.WriteJSON(v); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}
