package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go-live-book/internal/book"
	"go-live-book/internal/bridge"
	"go-live-book/internal/browser"
	"go-live-book/internal/config"
	"go-live-book/internal/editor"
	"go-live-book/internal/parse"
	"go-live-book/internal/preview"
	"go-live-book/internal/render"
	"go-live-book/internal/resolver"
	"go-live-book/internal/transport"
	httptransport "go-live-book/internal/transport/http"
)

// Options configures a LivePreview.
type Options struct {
	Config   *config.Config
	Handlers preview.Handlers
	Logger   *slog.Logger
	// View overrides the view selected by Config.Browser.Mode.
	View func(interceptor browser.Interceptor, bindingName string) (browser.View, error)
}

// LivePreview is a coordinator between the editor, the book on disk and
// the preview controller.
type LivePreview struct {
	cfg *config.Config
	log *slog.Logger

	book       *book.Dir
	buffers    *editor.Buffers
	controller *preview.Controller
	url        string

	cancel context.CancelFunc
}

// NewLivePreview wires the preview for the book at cfg.Book.Root and shows
// the informational page.
func NewLivePreview(ctx context.Context, opts Options) (*LivePreview, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	dir, err := book.OpenDir(cfg.Book.Root, log)
	if err != nil {
		return nil, err
	}
	buffers := editor.NewBuffers()
	res := resolver.New(buffers, dir)

	info, err := render.NewRenderer().InfoPage()
	if err != nil {
		return nil, fmt.Errorf("app: info page: %w", err)
	}

	settings := cfg.Settings()
	worker := parse.NewWorker(parse.Config{Logger: log})
	interceptor := transport.NewInterceptor(transport.Config{
		Resolver: res,
		Parser:   worker,
		Deadline: 2 * settings.RefreshDelay,
		InfoPage: info,
		Logger:   log,
	})
	br := bridge.New(bridge.NewName())

	ctx, cancel := context.WithCancel(ctx)
	s := &LivePreview{cfg: cfg, log: log, book: dir, buffers: buffers, cancel: cancel}

	newView := opts.View
	if newView == nil {
		newView = s.defaultView(ctx)
	}
	view, err := newView(interceptor, br.Name())
	if err != nil {
		cancel()
		_ = worker.Shutdown(context.Background())
		return nil, err
	}
	if srv, ok := view.(*httptransport.PreviewServer); ok {
		s.url = srv.URL()
	}

	s.controller, err = preview.New(preview.Config{
		View:      view,
		Bridge:    br,
		Resolver:  res,
		Parser:    worker,
		Transport: interceptor,
		Settings:  settings,
		Handlers:  opts.Handlers,
		Logger:    log,
	})
	if err != nil {
		cancel()
		_ = view.Close()
		_ = worker.Shutdown(context.Background())
		return nil, err
	}

	if err := dir.Watch(ctx, s.onBookChange); err != nil {
		log.Warn("app: book watch disabled", "error", err)
	}
	s.controller.Clear()
	return s, nil
}

func (s *LivePreview) defaultView(ctx context.Context) func(browser.Interceptor, string) (browser.View, error) {
	return func(interceptor browser.Interceptor, bindingName string) (browser.View, error) {
		b := s.cfg.Browser
		switch b.Mode {
		case config.ModeHTTP:
			srv := httptransport.NewPreviewServer(httptransport.Config{
				Addr:        b.Addr,
				Interceptor: interceptor,
				BindingName: bindingName,
				Logger:      s.log,
			})
			if err := srv.Start(); err != nil {
				return nil, err
			}
			return srv, nil
		default:
			if b.Remote == "" && b.DataDir != "" {
				if err := os.MkdirAll(b.DataDir, 0o700); err != nil {
					return nil, fmt.Errorf("app: browser data dir: %w", err)
				}
			}
			return browser.LaunchRod(ctx, browser.RodConfig{
				RemoteURL:   b.Remote,
				Headless:    b.Headless,
				DataDir:     b.DataDir,
				Interceptor: interceptor,
				BindingName: bindingName,
				Logger:      s.log,
			})
		}
	}
}

// onBookChange forwards container changes to the controller.
func (s *LivePreview) onBookChange(c book.Change) {
	s.log.Debug("app: book changed", "op", c.Op, "name", c.Name, "old", c.OldName)
	switch c.Op {
	case book.ChangeRenamed:
		s.buffers.Rename(c.OldName, c.Name)
		s.controller.Renamed(c.OldName, c.Name)
	case book.ChangeRemoved:
		s.controller.Removed(c.Name)
	default:
		s.controller.TextChanged(c.Name)
	}
}

// URL returns the address to open in a browser, or "" when the preview
// runs in its own browser window.
func (s *LivePreview) URL() string {
	return s.url
}

// Controller exposes the preview controller.
func (s *LivePreview) Controller() *preview.Controller {
	return s.controller
}

// Name maps a file path to its logical name in the book.
func (s *LivePreview) Name(path string) (string, bool) {
	return s.book.Name(path)
}

// Path maps a logical name to its file path.
func (s *LivePreview) Path(name string) string {
	return s.book.Path(name)
}

// PublishSource records the unsaved contents of name.
func (s *LivePreview) PublishSource(name string, source []byte) {
	s.buffers.Update(name, source)
	s.controller.TextChanged(name)
}

// CloseSource forgets the unsaved contents of name.
func (s *LivePreview) CloseSource(name string) {
	s.buffers.Close(name)
	s.controller.TextChanged(name)
}

// PublishCursor follows the editor cursor.
func (s *LivePreview) PublishCursor(name string, line int) {
	s.controller.CursorMoved(name, line)
}

// Show previews name.
func (s *LivePreview) Show(name string) {
	s.controller.Show(name)
}

// Close stops watching the book and shuts the preview down.
func (s *LivePreview) Close(ctx context.Context) error {
	s.cancel()
	err := s.controller.Close(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
