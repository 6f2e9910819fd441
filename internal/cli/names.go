package cli

import (
	"fmt"
	"os"

	"go-live-book/internal/book"
	"go-live-book/internal/parse"

	"github.com/spf13/cobra"
)

func newNamesCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "List the resources of the book with their media types",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return writeErr(cmd, err)
			}
			dir, err := book.OpenDir(cfg.Book.Root, a.logger)
			if err != nil {
				return writeErr(cmd, err)
			}
			names, err := dir.Names()
			if err != nil {
				return writeErr(cmd, err)
			}
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, dir.MimeType(name))
			}
			return nil
		},
	}
}

func newAnnotateCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <file>",
		Short: "Print an HTML file with source line attributes added",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			out, err := parse.Annotate(src)
			if err != nil {
				return writeErr(cmd, err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
