package host

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go-live-book/internal/app"
	"go-live-book/internal/config"
	"go-live-book/internal/preview"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
)

// SplitVar holds the last split request for the User GoLiveBookSplit
// autocommand.
const SplitVar = "go_live_book_split"

// SplitRequest is stored in g:go_live_book_split.
type SplitRequest struct {
	Name     string `msgpack:"name"`
	Path     string `msgpack:"path"`
	Location []int  `msgpack:"location"`
	Totals   []int  `msgpack:"totals"`
}

// Commands is a state container for Neovim command handlers.
// It tracks the active buffer and delegates preview functionality
// to the LivePreview service.
type Commands struct {
	log *slog.Logger

	mu      sync.Mutex
	preview *app.LivePreview
	nv      *nvim.Nvim
	current string

	lastCursorLine int
}

func NewCommands(logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{log: logger}
}

// Register registers Neovim command/function handlers.
func Register(p *plugin.Plugin, logger *slog.Logger) error {
	commands := NewCommands(logger)

	p.Handle("poll", func() (string, error) {
		return "ok", nil
	})

	p.HandleCommand(&plugin.CommandOptions{Name: "GoLiveBookStart"}, commands.GoLiveBookStart)
	p.HandleCommand(&plugin.CommandOptions{Name: "GoLiveBookSplit"}, commands.GoLiveBookSplit)
	p.HandleCommand(&plugin.CommandOptions{Name: "GoLiveBookRefresh"}, commands.GoLiveBookRefresh)
	p.HandleCommand(&plugin.CommandOptions{Name: "GoLiveBookStop"}, commands.GoLiveBookStop)

	p.HandleFunction(&plugin.FunctionOptions{
		Name: "GoLiveBookInternalUpdate",
	}, commands.GoLiveBookUpdate)

	p.HandleFunction(&plugin.FunctionOptions{
		Name: "GoLiveBookInternalCursor",
	}, commands.GoLiveBookCursor)

	p.HandleFunction(&plugin.FunctionOptions{
		Name: "GoLiveBookInternalEnter",
	}, commands.GoLiveBookEnter)

	return nil
}

func (c *Commands) active() (*app.LivePreview, *nvim.Nvim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preview, c.nv
}

func (c *Commands) GoLiveBookStart(v *nvim.Nvim) error {
	c.mu.Lock()
	started := c.preview != nil
	c.mu.Unlock()

	if !started {
		cfg, err := c.loadConfig(v)
		if err != nil {
			return err
		}
		lp, err := app.NewLivePreview(context.Background(), app.Options{
			Config:   cfg,
			Handlers: c.handlers(),
			Logger:   c.log,
		})
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.preview = lp
		c.nv = v
		c.lastCursorLine = 0
		c.mu.Unlock()
	}

	if err := c.publishBuffer(v); err != nil {
		return err
	}
	if err := c.showCurrent(v); err != nil {
		return err
	}

	lp, _ := c.active()
	if u := lp.URL(); u != "" {
		return v.Command(fmt.Sprintf(`echom "[go-live-book] preview: %s"`, u))
	}
	return v.Command(`echom "[go-live-book] preview started"`)
}

func (c *Commands) GoLiveBookSplit(v *nvim.Nvim) error {
	if lp, _ := c.active(); lp != nil {
		lp.Controller().StartSplit()
	}
	return nil
}

func (c *Commands) GoLiveBookRefresh(v *nvim.Nvim) error {
	if lp, _ := c.active(); lp != nil {
		lp.Controller().Refresh()
	}
	return nil
}

func (c *Commands) GoLiveBookStop(v *nvim.Nvim) error {
	c.mu.Lock()
	lp := c.preview
	c.preview = nil
	c.current = ""
	c.mu.Unlock()
	if lp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return lp.Close(ctx)
}

func (c *Commands) GoLiveBookUpdate(v *nvim.Nvim) error {
	if lp, _ := c.active(); lp == nil {
		return nil
	}
	return c.publishBuffer(v)
}

func (c *Commands) GoLiveBookCursor(v *nvim.Nvim) error {
	if lp, _ := c.active(); lp == nil {
		return nil
	}
	return c.publishCursor(v)
}

func (c *Commands) GoLiveBookEnter(v *nvim.Nvim) error {
	if lp, _ := c.active(); lp == nil {
		return nil
	}
	return c.showCurrent(v)
}

func (c *Commands) loadConfig(v *nvim.Nvim) (*config.Config, error) {
	var path string
	if err := v.Var("go_live_book_config", &path); err != nil {
		path = ""
	}
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	// The plugin process does not share Neovim's working directory.
	var root string
	if err := v.Var("go_live_book_root", &root); err == nil && root != "" {
		cfg.Book.Root = root
	} else if path == "" {
		if err := v.Eval(`getcwd()`, &root); err != nil {
			return nil, err
		}
		cfg.Book.Root = root
	}
	return cfg, cfg.Validate()
}

// currentName returns the book name of the current buffer, if it belongs
// to the book.
func (c *Commands) currentName(v *nvim.Nvim) (string, bool, error) {
	lp, _ := c.active()
	if lp == nil {
		return "", false, nil
	}
	absPath, err := v.BufferName(0)
	if err != nil {
		return "", false, err
	}
	if absPath == "" {
		return "", false, nil
	}
	name, ok := lp.Name(filepath.Clean(absPath))
	return name, ok, nil
}

func (c *Commands) showCurrent(v *nvim.Nvim) error {
	name, ok, err := c.currentName(v)
	if err != nil || !ok {
		return err
	}
	lp, _ := c.active()
	c.mu.Lock()
	c.current = name
	c.lastCursorLine = 0
	c.mu.Unlock()
	lp.Show(name)
	return nil
}

func (c *Commands) publishBuffer(v *nvim.Nvim) error {
	name, ok, err := c.currentName(v)
	if err != nil || !ok {
		return err
	}

	buf, err := v.CurrentBuffer()
	if err != nil {
		return nil
	}
	lines, err := v.BufferLines(buf, 0, -1, true)
	if err != nil {
		return err
	}

	source := bytes.Join(lines, []byte("\n"))
	lp, _ := c.active()
	lp.PublishSource(name, source)
	return nil
}

func (c *Commands) publishCursor(v *nvim.Nvim) error {
	name, ok, err := c.currentName(v)
	if err != nil || !ok {
		return err
	}

	var line int
	if err := v.Eval(`line(".")`, &line); err != nil {
		return err
	}

	c.mu.Lock()
	if line == c.lastCursorLine {
		c.mu.Unlock()
		return nil
	}
	c.lastCursorLine = line
	c.mu.Unlock()

	lp, _ := c.active()
	lp.PublishCursor(name, line)
	return nil
}

// handlers route controller events back to Neovim. The controller calls
// them on its own goroutine, so every RPC is dispatched asynchronously.
func (c *Commands) handlers() preview.Handlers {
	return preview.Handlers{
		SyncRequested: func(name string, line int) {
			go c.handleGoToLine(name, line)
		},
		LinkClicked: func(name, fragment string) {
			go c.handleLink(name, fragment)
		},
		SplitRequested: func(name string, location, totals []int) {
			go c.handleSplit(name, location, totals)
		},
		Error: func(msg string) {
			go c.handleError(msg)
		},
	}
}

func (c *Commands) handleGoToLine(name string, line int) {
	lp, v := c.active()
	if lp == nil || v == nil || line <= 0 {
		return
	}

	c.mu.Lock()
	same := name == c.current
	c.mu.Unlock()
	if !same {
		if err := v.Command("edit " + escapePath(lp.Path(name))); err != nil {
			c.log.Warn("host: open failed", "name", name, "error", err)
			return
		}
	}

	win, err := v.CurrentWindow()
	if err != nil {
		return
	}
	if err := v.SetWindowCursor(win, [2]int{line, 0}); err != nil {
		return
	}
	_ = v.Command("normal! zz")

	c.mu.Lock()
	c.lastCursorLine = line
	c.mu.Unlock()
}

func (c *Commands) handleLink(name, fragment string) {
	lp, v := c.active()
	if lp == nil || v == nil {
		return
	}
	if err := v.Command("edit " + escapePath(lp.Path(name))); err != nil {
		c.log.Warn("host: open failed", "name", name, "error", err)
		return
	}
	if fragment != "" {
		_ = v.Command(fmt.Sprintf(`call search('id=["'']%s["'']', 'w')`, vimSingleQuoted(fragment)))
	}
}

func (c *Commands) handleSplit(name string, location, totals []int) {
	lp, v := c.active()
	if lp == nil || v == nil {
		return
	}
	req := SplitRequest{Name: name, Path: lp.Path(name), Location: location, Totals: totals}
	if err := v.SetVar(SplitVar, req); err != nil {
		c.log.Warn("host: split var", "error", err)
		return
	}
	_ = v.Command("doautocmd User GoLiveBookSplit")
}

func (c *Commands) handleError(msg string) {
	_, v := c.active()
	if v == nil {
		c.log.Error("host: preview error", "msg", msg)
		return
	}
	_ = v.WritelnErr("[go-live-book] " + msg)
}

// escapePath escapes a file name for use in an Ex command.
func escapePath(p string) string {
	var b bytes.Buffer
	for _, r := range p {
		switch r {
		case ' ', '\\', '%', '#', '|', '"':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// vimSingleQuoted escapes s for a Vim single-quoted string that is itself
// used as a regular expression.
func vimSingleQuoted(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString("''")
			continue
		case '\\', '.', '*', '[', ']', '~', '^', '$', '/':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
