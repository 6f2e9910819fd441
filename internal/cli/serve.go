package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go-live-book/internal/app"
	"go-live-book/internal/preview"

	"github.com/spf13/cobra"
)

func newServeCmd(a *App) *cobra.Command {
	var show string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the preview and follow changes to the book",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return writeErr(cmd, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := a.logger
			lp, err := app.NewLivePreview(ctx, app.Options{
				Config: cfg,
				Logger: log,
				Handlers: preview.Handlers{
					LinkClicked: func(name, fragment string) {
						log.Info("cli: link clicked", "name", name, "fragment", fragment)
					},
					SyncRequested: func(name string, line int) {
						log.Info("cli: sync requested", "name", name, "line", line)
					},
					SplitRequested: func(name string, location, totals []int) {
						log.Info("cli: split requested", "name", name, "location", location, "totals", totals)
					},
					Refreshed: func() {
						log.Debug("cli: refreshed")
					},
					Error: func(msg string) {
						log.Error("cli: preview error", "msg", msg)
					},
				},
			})
			if err != nil {
				return writeErr(cmd, err)
			}
			if u := lp.URL(); u != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "preview: %s\n", u)
			}
			if show != "" {
				lp.Show(show)
			}

			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return lp.Close(shutdown)
		},
	}
	cmd.Flags().StringVar(&show, "show", "", "book name to preview on start")
	return cmd
}
