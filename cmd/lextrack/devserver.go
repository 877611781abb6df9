package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"LexTrack/internal/devserver"
)

func newDevServerCommand(cli *CLI) *cobra.Command {
	var (
		addr    string
		advance time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local task backend for development",
		Long: `Serves POST /tasks and GET /tasks/{id}, upgrading the latter to a push
channel for WebSocket clients. When --token is set, requests must carry it.
With --auto-advance every submitted task walks through its stages and
completes on its own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []devserver.Option{devserver.WithLogger(cli.logger)}
			if cli.cfg.Token != "" {
				opts = append(opts, devserver.WithToken(cli.cfg.Token))
			}
			if advance > 0 {
				opts = append(opts, devserver.WithAutoAdvance(advance, nil))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on %s\n", green("dev backend listening"), addr)
			return devserver.New(opts...).ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Listen address")
	cmd.Flags().DurationVar(&advance, "auto-advance", 0, "Advance tasks one stage per interval")
	return cmd
}
