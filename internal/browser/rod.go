package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodConfig configures a Chrome backed view.
type RodConfig struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome.
	// Empty launches a local browser.
	RemoteURL string
	Headless  bool
	// DataDir is the browser profile directory of a launched browser.
	DataDir string
	// Bin is the Chrome executable to launch. Empty lets the launcher
	// find or download one.
	Bin string

	Interceptor Interceptor
	// BindingName is the window function through which documents talk to
	// the host.
	BindingName string
	Logger      *slog.Logger
}

func (c *RodConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RodView is a View backed by a single Chrome tab. Requests for the
// synthetic namespace never reach the network: they are fulfilled from the
// interceptor before DNS resolution.
type RodView struct {
	cfg RodConfig

	lnch    *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
	router  *rod.HijackRouter

	events chan Event
	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	url        string
	loading    bool
	removeInit func() error
}

// LaunchRod starts (or connects to) Chrome and opens the preview tab.
func LaunchRod(ctx context.Context, cfg RodConfig) (*RodView, error) {
	cfg.defaults()
	log := cfg.Logger

	v := &RodView{
		cfg:    cfg,
		events: make(chan Event, 64),
		cmds:   make(chan func(), 64),
	}
	v.ctx, v.cancel = context.WithCancel(ctx)

	wsURL := cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.DataDir != "" {
			l = l.UserDataDir(cfg.DataDir)
		}
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			v.cancel()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		v.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headless", cfg.Headless)
	}

	v.browser = rod.New().ControlURL(wsURL)
	if err := v.browser.Connect(); err != nil {
		v.shutdown()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	page, err := v.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		v.shutdown()
		return nil, fmt.Errorf("browser: open page: %w", err)
	}
	v.page = page

	if err := v.setup(); err != nil {
		v.shutdown()
		return nil, err
	}

	v.wg.Add(1)
	go v.commandLoop()
	return v, nil
}

func (v *RodView) setup() error {
	p := v.page
	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		return fmt.Errorf("browser: network enable: %w", err)
	}
	if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(p); err != nil {
		return fmt.Errorf("browser: disable cache: %w", err)
	}
	if v.cfg.BindingName != "" {
		if err := (proto.RuntimeAddBinding{Name: v.cfg.BindingName}).Call(p); err != nil {
			return fmt.Errorf("browser: add binding: %w", err)
		}
	}

	v.router = p.HijackRequests()
	v.router.MustAdd("*", v.fulfill)
	go v.router.Run()

	wait := p.Context(v.ctx).EachEvent(
		func(e *proto.PageFrameStartedLoading) {
			if e.FrameID != p.FrameID {
				return
			}
			v.mu.Lock()
			v.loading = true
			u := v.url
			v.mu.Unlock()
			v.emit(Event{Kind: EventLoadStarted, URL: u})
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			v.mu.Lock()
			v.url = e.Frame.URL
			v.mu.Unlock()
		},
		func(e *proto.PageLoadEventFired) {
			v.finishLoad(true)
		},
		func(e *proto.PageFrameStoppedLoading) {
			if e.FrameID == p.FrameID {
				v.finishLoad(false)
			}
		},
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != v.cfg.BindingName {
				return
			}
			v.emit(Event{Kind: EventBridge, Payload: e.Payload})
		},
	)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		wait()
	}()
	return nil
}

// finishLoad reports the outcome of the load in progress, if any. A frame
// that stops loading without a load event failed or was stopped.
func (v *RodView) finishLoad(ok bool) {
	v.mu.Lock()
	if !v.loading {
		v.mu.Unlock()
		return
	}
	v.loading = false
	u := v.url
	v.mu.Unlock()
	v.emit(Event{Kind: EventLoadFinished, URL: u, OK: ok})
}

// fulfill answers requests for the synthetic namespace and lets every
// other request through to the network.
func (v *RodView) fulfill(h *rod.Hijack) {
	u := h.Request.URL()
	if !v.cfg.Interceptor.Handles(u) {
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}
	resp := v.cfg.Interceptor.Serve(h.Request.Req().Context(), u)
	if resp.Aborted {
		h.Response.Fail(proto.NetworkErrorReasonAborted)
		return
	}
	h.Response.Payload().ResponseCode = resp.Status
	for key, values := range resp.Header() {
		for _, value := range values {
			h.Response.SetHeader(key, value)
		}
	}
	h.Response.SetBody(resp.Body)
}

func (v *RodView) emit(e Event) {
	select {
	case v.events <- e:
	case <-v.ctx.Done():
	}
}

func (v *RodView) enqueue(fn func()) {
	select {
	case v.cmds <- fn:
	case <-v.ctx.Done():
	}
}

// commandLoop runs page commands one at a time in submission order.
func (v *RodView) commandLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case fn := <-v.cmds:
			fn()
		}
	}
}

func (v *RodView) Navigate(u string) {
	v.enqueue(func() {
		v.mu.Lock()
		v.url = u
		v.mu.Unlock()
		if err := v.page.Navigate(u); err != nil {
			v.cfg.Logger.Debug("browser: navigate failed", "url", u, "error", err)
		}
	})
}

func (v *RodView) Reload() {
	v.enqueue(func() {
		if err := (proto.PageReload{IgnoreCache: true}).Call(v.page); err != nil {
			v.cfg.Logger.Debug("browser: reload failed", "error", err)
		}
	})
}

func (v *RodView) Stop() {
	v.enqueue(func() {
		if err := (proto.PageStopLoading{}).Call(v.page); err != nil {
			v.cfg.Logger.Debug("browser: stop failed", "error", err)
		}
	})
}

func (v *RodView) Eval(js string) {
	v.enqueue(func() {
		if _, err := v.page.Eval("() => {" + js + "}"); err != nil {
			v.cfg.Logger.Debug("browser: eval failed", "error", err)
		}
	})
}

func (v *RodView) SetInitScript(js string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.removeInit != nil {
		if err := v.removeInit(); err != nil {
			v.cfg.Logger.Warn("browser: remove init script failed", "error", err)
		}
		v.removeInit = nil
	}
	remove, err := v.page.EvalOnNewDocument(js)
	if err != nil {
		return fmt.Errorf("browser: init script: %w", err)
	}
	v.removeInit = remove
	return nil
}

func (v *RodView) DocumentRoot() string {
	return "/"
}

func (v *RodView) Events() <-chan Event {
	return v.events
}

// Close shuts the tab and the browser it launched.
func (v *RodView) Close() error {
	v.shutdown()
	v.wg.Wait()
	return nil
}

func (v *RodView) shutdown() {
	v.cancel()
	if v.router != nil {
		_ = v.router.Stop()
	}
	if v.browser != nil {
		if err := v.browser.Close(); err != nil {
			v.cfg.Logger.Debug("browser: close failed", "error", err)
		}
	}
	if v.lnch != nil {
		v.lnch.Kill()
	}
}
