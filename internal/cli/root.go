package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go-live-book/internal/config"

	"github.com/spf13/cobra"
)

type App struct {
	ConfigPath string
	BookRoot   string
	Mode       string
	LogLevel   string

	logger *slog.Logger
}

func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:          "bookpreview",
		Short:        "Live preview for HTML books",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Serve a book over HTTP and open the first chapter
  bookpreview serve --book ./mybook --mode http --show text/ch1.html

  # List the resources of a book
  bookpreview names --book ./mybook
`),
	}

	cmd.PersistentFlags().StringVar(&app.ConfigPath, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&app.BookRoot, "book", "", "book root directory (overrides config)")
	cmd.PersistentFlags().StringVar(&app.Mode, "mode", "", "preview mode: chrome or http (overrides config)")
	cmd.PersistentFlags().StringVar(&app.LogLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newNamesCmd(app))
	cmd.AddCommand(newAnnotateCmd(app))
	return cmd
}

// loadConfig reads the config file, applies flag overrides and sets up
// the logger.
func (a *App) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if a.ConfigPath != "" {
		loaded, err := config.LoadFile(a.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if a.BookRoot != "" {
		cfg.Book.Root = a.BookRoot
	}
	if a.Mode != "" {
		cfg.Browser.Mode = a.Mode
	}
	if a.LogLevel != "" {
		cfg.LogLevel = a.LogLevel
	}
	if cfg.Book.Root == "" {
		cfg.Book.Root = "."
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return cfg, nil
}

func writeErr(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
	return err
}
