// Package preview coordinates the web view, the parse worker, the
// intercepting transport and the bridge. All controller state is owned by a
// single loop goroutine; public methods post work to it.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go-live-book/internal/bridge"
	"go-live-book/internal/browser"
	"go-live-book/internal/contracts"
	"go-live-book/internal/resolver"
	"go-live-book/internal/transport"
)

// ErrAutoReloadRequired is returned when auto-reload is disabled while the
// live CSS view depends on it.
var ErrAutoReloadRequired = errors.New("preview: auto-reload is required while live CSS is visible")

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("preview: controller closed")

const (
	// DefaultSyncInterval is the cadence of deferred editor-to-preview syncs.
	DefaultSyncInterval = 100 * time.Millisecond
	// DefaultLoadTimeout bounds how long a navigation may stay unanswered
	// before the next one is issued anyway.
	DefaultLoadTimeout = 30 * time.Second
)

// Handlers receive the controller's events. They run on the controller's
// goroutine and must not call back into the Controller synchronously.
type Handlers struct {
	LinkClicked     func(name, fragment string)
	SyncRequested   func(name string, line int)
	SplitRequested  func(name string, location, totals []int)
	RefreshStarting func()
	Refreshed       func()
	// Error reports a user-facing error message.
	Error func(msg string)
}

func (h *Handlers) defaults() {
	if h.LinkClicked == nil {
		h.LinkClicked = func(string, string) {}
	}
	if h.SyncRequested == nil {
		h.SyncRequested = func(string, int) {}
	}
	if h.SplitRequested == nil {
		h.SplitRequested = func(string, []int, []int) {}
	}
	if h.RefreshStarting == nil {
		h.RefreshStarting = func() {}
	}
	if h.Refreshed == nil {
		h.Refreshed = func() {}
	}
	if h.Error == nil {
		h.Error = func(string) {}
	}
}

// Resolver is the part of the resource resolver used by the controller.
type Resolver interface {
	Resolve(name string) (resolver.Resource, error)
	Stat(name string) (string, error)
	Exists(name string) bool
}

// Parser is the parse worker owned by the controller.
type Parser interface {
	Start() error
	AddRequest(name string, data []byte) error
	Shutdown(ctx context.Context) error
}

// Transport is the control surface of the intercepting transport.
type Transport interface {
	Abort()
	SetDeadline(d time.Duration)
}

// Config configures a Controller.
type Config struct {
	View      browser.View
	Bridge    *bridge.Bridge
	Resolver  Resolver
	Parser    Parser
	Transport Transport
	Settings  Settings
	Handlers  Handlers
	Logger    *slog.Logger

	SyncInterval time.Duration
	LoadTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.Bridge == nil {
		c.Bridge = bridge.New(bridge.NewName())
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	c.Settings = c.Settings.normalized()
	c.Handlers.defaults()
}

type navKind int

const (
	navNavigate navKind = iota
	navReload
)

type navCommand struct {
	kind    navKind
	url     string
	refresh bool
}

// session is the state of the document currently shown.
type session struct {
	name  string
	url   string
	ready bool
	lines int

	scrollX, scrollY float64
	haveScroll       bool
	restoreScroll    bool
}

type pendingSync struct {
	name     string
	addr     contracts.SourceLineAddress
	deadline time.Time
}

// Controller drives one preview.
type Controller struct {
	cfg Config
	log *slog.Logger

	actions chan func()
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	// Owned by the loop goroutine.
	settings  Settings
	userCSS   string
	cur       *session
	visible   bool
	liveCSS   bool
	dirty     bool
	splitting bool

	refreshTimer *time.Timer
	refreshC     <-chan time.Time

	pending    *pendingSync
	syncTicker *time.Ticker
	syncC      <-chan time.Time

	inflight *navCommand
	queued   *navCommand
	watchdog *time.Timer
	loadC    <-chan time.Time

	workerErr      error
	workerReported bool
}

// New creates a Controller, installs the bridge into the view and starts
// the parse worker and the controller loop. A worker that fails to start
// is reported through Handlers.Error on the next refresh.
func New(cfg Config) (*Controller, error) {
	cfg.defaults()
	if cfg.View == nil || cfg.Resolver == nil || cfg.Parser == nil || cfg.Transport == nil {
		return nil, errors.New("preview: view, resolver, parser and transport are required")
	}

	c := &Controller{
		cfg:      cfg,
		log:      cfg.Logger,
		actions:  make(chan func(), 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		settings: cfg.Settings,
		visible:  true,
	}

	if err := c.installBridge(); err != nil {
		return nil, err
	}
	c.cfg.Transport.SetDeadline(c.settings.pollDeadline())

	if err := c.cfg.Parser.Start(); err != nil {
		c.workerErr = err
		c.log.Error("preview: parse worker failed to start", "error", err)
	}

	go c.loop()
	return c, nil
}

// installBridge compiles the user stylesheet and registers the bridge
// library with the view.
func (c *Controller) installBridge() error {
	css, err := bridge.UserStylesheet(c.settings.Fonts)
	if err != nil {
		return fmt.Errorf("preview: stylesheet: %w", err)
	}
	c.userCSS = css
	script := c.cfg.Bridge.InitScript(c.cfg.View.DocumentRoot(), css)
	if err := c.cfg.View.SetInitScript(script); err != nil {
		return fmt.Errorf("preview: install bridge: %w", err)
	}
	return nil
}

// post schedules fn on the loop goroutine.
func (c *Controller) post(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.stop:
	}
}

// call runs fn on the loop goroutine and waits for it.
func (c *Controller) call(fn func()) error {
	done := make(chan struct{})
	select {
	case c.actions <- func() { fn(); close(done) }:
	case <-c.stop:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Show previews name. Showing the name already shown does nothing.
func (c *Controller) Show(name string) {
	c.post(func() { c.show(name) })
}

// Refresh re-parses and reloads the current document.
func (c *Controller) Refresh() {
	c.post(c.refresh)
}

// SyncToEditor scrolls the preview to addr once the document for name is
// ready.
func (c *Controller) SyncToEditor(name string, addr contracts.SourceLineAddress) {
	c.post(func() { c.syncToEditor(name, addr) })
}

// StartSplit arms split mode, or cancels it when already armed.
func (c *Controller) StartSplit() {
	c.post(c.startSplit)
}

// Clear shows the informational page and drops the current session.
func (c *Controller) Clear() {
	c.post(c.clear)
}

// Stop cancels the load in progress.
func (c *Controller) Stop() {
	c.post(c.stopLoad)
}

// TextChanged is the editor's change notification for name.
func (c *Controller) TextChanged(name string) {
	c.post(func() { c.textChanged(name) })
}

// CursorMoved is the editor's cursor notification.
func (c *Controller) CursorMoved(name string, line int) {
	c.post(func() {
		if c.settings.SyncToPreview {
			c.syncToEditor(name, contracts.SourceLineAddress{Line: line})
		}
	})
}

// Renamed records that the container renamed oldName to newName.
func (c *Controller) Renamed(oldName, newName string) {
	c.post(func() { c.renamed(oldName, newName) })
}

// Removed records that the container no longer holds name.
func (c *Controller) Removed(name string) {
	c.post(func() { c.removed(name) })
}

// SetVisible records whether the preview is visible.
func (c *Controller) SetVisible(visible bool) {
	c.post(func() {
		c.visible = visible
		if visible && c.dirty {
			c.startRefreshTimer()
		}
	})
}

// SetLiveCSSVisible records whether the live CSS view is visible.
func (c *Controller) SetLiveCSSVisible(visible bool) {
	c.post(func() {
		c.liveCSS = visible
		if visible && c.dirty {
			c.startRefreshTimer()
		}
	})
}

// SetAutoReload enables or disables reloading on edits. Disabling fails
// with ErrAutoReloadRequired while the live CSS view is visible.
func (c *Controller) SetAutoReload(enabled bool) error {
	var result error
	if err := c.call(func() { result = c.setAutoReload(enabled) }); err != nil {
		return err
	}
	return result
}

// SetSyncEnabled toggles following the editor cursor.
func (c *Controller) SetSyncEnabled(enabled bool) {
	c.post(func() { c.settings.SyncToPreview = enabled })
}

// ApplySettings replaces the settings.
func (c *Controller) ApplySettings(s Settings) {
	c.post(func() { c.applySettings(s) })
}

// Close stops the controller loop, the view and the parse worker.
func (c *Controller) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })
	<-c.done

	var errs []error
	if err := c.cfg.View.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.cfg.Parser.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) loop() {
	defer close(c.done)
	defer c.stopTimers()
	events := c.cfg.View.Events()

	for {
		select {
		case <-c.stop:
			return

		case fn := <-c.actions:
			fn()

		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(e)

		case <-c.refreshC:
			c.refreshC = nil
			c.refreshTimer = nil
			c.refresh()

		case <-c.syncC:
			c.tickSync()

		case <-c.loadC:
			c.log.Warn("preview: load timed out", "url", c.inflightURL())
			c.loadFinished(false)
		}
	}
}

func (c *Controller) stopTimers() {
	c.cancelRefreshTimer()
	c.stopSyncTicker()
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
}

func (c *Controller) show(name string) {
	if c.cur != nil && c.cur.name == name {
		return
	}
	c.cancelRefreshTimer()
	c.cfg.Transport.Abort()
	c.pending = nil
	c.splitting = false

	c.cur = &session{name: name, url: transport.URL(name)}
	c.seed(name)
	c.log.Debug("preview: show", "name", name)
	c.issue(navCommand{kind: navNavigate, url: c.cur.url})
}

// seed submits the current bytes of name to the parse worker so parsing
// starts before the browser asks for them.
func (c *Controller) seed(name string) {
	res, err := c.cfg.Resolver.Resolve(name)
	if err != nil || !res.IsHTML() {
		return
	}
	if err := c.cfg.Parser.AddRequest(name, res.Data); err != nil && c.workerErr == nil {
		c.workerErr = err
	}
}

func (c *Controller) refresh() {
	c.cancelRefreshTimer()
	c.dirty = false
	c.reportWorkerError()

	cur := c.cur
	if cur == nil {
		return
	}
	if !c.cfg.Resolver.Exists(cur.name) {
		c.log.Info("preview: current resource is gone", "name", cur.name)
		c.clear()
		return
	}

	c.cfg.Handlers.RefreshStarting()
	c.seed(cur.name)

	u := transport.URL(cur.name)
	if u != cur.url {
		c.cfg.Transport.Abort()
		c.pending = nil
		c.splitting = false
		c.cur = &session{name: cur.name, url: u}
		c.issue(navCommand{kind: navNavigate, url: u, refresh: true})
		return
	}
	cur.restoreScroll = cur.haveScroll
	c.issue(navCommand{kind: navReload, url: u, refresh: true})
}

func (c *Controller) reportWorkerError() {
	if c.workerErr == nil || c.workerReported {
		return
	}
	c.workerReported = true
	c.cfg.Handlers.Error(fmt.Sprintf("Failed to start the HTML parse worker: %v", c.workerErr))
}

func (c *Controller) clear() {
	c.cancelRefreshTimer()
	c.cfg.Transport.Abort()
	c.pending = nil
	c.splitting = false
	c.cur = nil
	c.issue(navCommand{kind: navNavigate, url: transport.InfoURL()})
}

func (c *Controller) stopLoad() {
	c.queued = nil
	c.cfg.Transport.Abort()
	c.cfg.View.Stop()
}

// issue runs cmd now, or after the load in progress finishes. A command
// waiting behind a load is replaced by newer ones.
func (c *Controller) issue(cmd navCommand) {
	if c.inflight != nil {
		c.queued = &cmd
		return
	}
	c.execute(cmd)
}

func (c *Controller) execute(cmd navCommand) {
	c.inflight = &cmd
	if c.cur != nil {
		c.cur.ready = false
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.NewTimer(c.cfg.LoadTimeout)
	c.loadC = c.watchdog.C

	switch cmd.kind {
	case navReload:
		c.cfg.View.Reload()
	default:
		c.cfg.View.Navigate(cmd.url)
	}
}

func (c *Controller) inflightURL() string {
	if c.inflight == nil {
		return ""
	}
	return c.inflight.url
}

func (c *Controller) loadFinished(ok bool) {
	cmd := c.inflight
	c.inflight = nil
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.loadC = nil

	if cmd != nil && cmd.refresh {
		c.cfg.Handlers.Refreshed()
	}
	if !ok {
		c.log.Debug("preview: load did not complete", "url", cmd.urlOrEmpty())
	}

	if next := c.queued; next != nil {
		c.queued = nil
		c.execute(*next)
	}
}

func (n *navCommand) urlOrEmpty() string {
	if n == nil {
		return ""
	}
	return n.url
}

func (c *Controller) handleEvent(e browser.Event) {
	switch e.Kind {
	case browser.EventLoadStarted:
		if c.cur != nil {
			c.cur.ready = false
		}
		c.splitting = false

	case browser.EventLoadFinished:
		if c.inflight == nil {
			c.log.Debug("preview: unrequested load", "url", e.URL, "ok", e.OK)
			return
		}
		c.loadFinished(e.OK)

	case browser.EventBridge:
		msg, err := bridge.Decode(e.Payload)
		if err != nil {
			c.log.Warn("preview: bad bridge message", "error", err)
			return
		}
		c.handleBridge(msg)
	}
}

func (c *Controller) handleBridge(msg any) {
	switch m := msg.(type) {
	case contracts.ReadyMessage:
		if !c.current(m.Name) {
			return
		}
		c.cur.ready = true
		c.cur.lines = m.Lines
		if c.cur.restoreScroll {
			c.cur.restoreScroll = false
			c.eval(c.cfg.Bridge.RestoreScroll(c.cur.scrollX, c.cur.scrollY))
		}
		c.tickSync()

	case contracts.ScrollMessage:
		if !c.current(m.Name) {
			return
		}
		c.cur.scrollX, c.cur.scrollY = m.X, m.Y
		c.cur.haveScroll = true

	case contracts.SyncMessage:
		if !c.current(m.Name) {
			return
		}
		c.linkOrSync(m)

	case contracts.SplitMessage:
		if !c.current(m.Name) {
			return
		}
		c.splitting = false
		if len(m.Location) == 0 {
			c.eval(c.cfg.Bridge.SplitMode(false))
			c.cfg.Handlers.Error("Cannot split on the body tag")
			return
		}
		c.cfg.Handlers.SplitRequested(m.Name, m.Location, m.Totals)
	}
}

// current reports whether a bridge message for name belongs to the shown
// session.
func (c *Controller) current(name string) bool {
	if c.cur == nil || c.cur.name != name {
		c.log.Debug("preview: stale bridge message", "name", name)
		return false
	}
	return true
}

// linkOrSync applies the click policy to a click reported by the bridge.
func (c *Controller) linkOrSync(m contracts.SyncMessage) {
	name := c.cur.name
	if m.Href == nil {
		c.cfg.Handlers.SyncRequested(name, m.Line)
		return
	}

	href := strings.TrimSpace(*m.Href)
	if href == "" || strings.HasPrefix(href, "#") {
		c.eval(c.cfg.Bridge.GoToAnchor(strings.TrimPrefix(href, "#"), m.Line))
		return
	}

	target, fragment, ok := c.bookLink(name, href)
	if !ok {
		c.cfg.Handlers.SyncRequested(name, m.Line)
		return
	}
	if target == name {
		c.eval(c.cfg.Bridge.GoToAnchor(fragment, m.Line))
		return
	}
	c.cfg.Handlers.LinkClicked(target, fragment)
}

// bookLink resolves href against the document name and reports whether it
// points at an HTML resource of the book.
func (c *Controller) bookLink(name, href string) (string, string, bool) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", "", false
	}
	base, err := url.Parse(transport.URL(name))
	if err != nil {
		return "", "", false
	}
	target, ok := transport.NameFromURL(base.ResolveReference(ref))
	if !ok || target == "" {
		return "", "", false
	}
	mimeType, err := c.cfg.Resolver.Stat(target)
	if err != nil || !resolver.IsHTMLType(mimeType) {
		return "", "", false
	}
	return target, ref.Fragment, true
}

// eval runs a bridge command in the current document. Commands are dropped
// until the document reported ready.
func (c *Controller) eval(js string) {
	if c.cur == nil || !c.cur.ready {
		return
	}
	c.cfg.View.Eval(js)
}

// scrollTo is the command bringing addr into view. A bare line has no tag
// to prefer.
func (c *Controller) scrollTo(addr contracts.SourceLineAddress) string {
	if len(addr.Tags) == 0 {
		return c.cfg.Bridge.GoToLine(addr.Line)
	}
	return c.cfg.Bridge.GoToSourceLineAddress(addr)
}

func (c *Controller) syncToEditor(name string, addr contracts.SourceLineAddress) {
	if c.cur == nil || c.cur.name != name {
		return
	}
	if c.cur.ready {
		c.pending = nil
		c.stopSyncTicker()
		c.eval(c.scrollTo(addr))
		return
	}
	c.pending = &pendingSync{
		name:     name,
		addr:     addr,
		deadline: time.Now().Add(c.settings.pollDeadline()),
	}
	if c.syncTicker == nil {
		c.syncTicker = time.NewTicker(c.cfg.SyncInterval)
		c.syncC = c.syncTicker.C
	}
}

// tickSync runs or expires the deferred sync.
func (c *Controller) tickSync() {
	p := c.pending
	if p == nil {
		c.stopSyncTicker()
		return
	}
	switch {
	case c.cur == nil || c.cur.name != p.name:
		c.pending = nil
	case c.cur.ready:
		c.pending = nil
		c.eval(c.scrollTo(p.addr))
	case time.Now().After(p.deadline):
		c.log.Debug("preview: sync expired", "name", p.name, "line", p.addr.Line)
		c.pending = nil
	default:
		return
	}
	c.stopSyncTicker()
}

func (c *Controller) stopSyncTicker() {
	if c.syncTicker != nil {
		c.syncTicker.Stop()
		c.syncTicker = nil
		c.syncC = nil
	}
}

func (c *Controller) startSplit() {
	if c.cur == nil || !c.cur.ready {
		c.log.Debug("preview: split ignored, no document ready")
		return
	}
	c.splitting = !c.splitting
	c.eval(c.cfg.Bridge.SplitMode(c.splitting))
}

func (c *Controller) textChanged(name string) {
	c.dirty = true
	c.startRefreshTimer()
}

func (c *Controller) renamed(oldName, newName string) {
	if c.pending != nil && c.pending.name == oldName {
		c.pending.name = newName
	}
	if c.cur == nil || c.cur.name != oldName {
		return
	}
	c.cur.name = newName
	c.dirty = true
	c.startRefreshTimer()
}

func (c *Controller) removed(name string) {
	if c.cur == nil || c.cur.name != name {
		return
	}
	c.dirty = true
	c.startRefreshTimer()
}

// startRefreshTimer (re)arms the refresh timer when the preview shows
// edits: visible with auto-reload on, or live CSS visible.
func (c *Controller) startRefreshTimer() {
	if !(c.visible && c.settings.AutoReload) && !c.liveCSS {
		return
	}
	c.cancelRefreshTimer()
	c.refreshTimer = time.NewTimer(c.settings.RefreshDelay)
	c.refreshC = c.refreshTimer.C
}

func (c *Controller) cancelRefreshTimer() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
		c.refreshC = nil
	}
}

func (c *Controller) setAutoReload(enabled bool) error {
	if !enabled && c.liveCSS {
		c.cfg.Handlers.Error("Auto-reload cannot be disabled while the live CSS view is visible")
		return ErrAutoReloadRequired
	}
	c.settings.AutoReload = enabled
	return nil
}

func (c *Controller) applySettings(s Settings) {
	s = s.normalized()
	if !s.AutoReload && c.liveCSS {
		c.cfg.Handlers.Error("Auto-reload cannot be disabled while the live CSS view is visible")
		s.AutoReload = true
	}
	fontsChanged := s.Fonts != c.settings.Fonts
	c.settings = s
	c.cfg.Transport.SetDeadline(s.pollDeadline())

	if !fontsChanged {
		return
	}
	if err := c.installBridge(); err != nil {
		c.log.Warn("preview: apply settings", "error", err)
		return
	}
	c.eval(c.cfg.Bridge.SetUserCSS(c.userCSS))
}
