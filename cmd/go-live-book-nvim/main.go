package main

import (
	"log/slog"
	"os"

	"go-live-book/internal/host"

	"github.com/neovim/go-client/nvim/plugin"
)

// Set up the connection to Neovim. Stdout carries RPC, so diagnostics go
// to stderr.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	plugin.Main(func(p *plugin.Plugin) error {
		logger.Info("host: registering handlers")
		return host.Register(p, logger)
	})
}
