package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"LexTrack/internal/storage"
)

func newSessionCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect saved sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Print a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.showSession(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <key>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, backend, err := cli.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()
			store.Clear(cmd.Context(), args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("cleared"), args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List session keys (sqlite backend only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.listSessions(cmd.Context(), cmd.OutOrStdout())
		},
	})

	return cmd
}

func (cli *CLI) showSession(ctx context.Context, out io.Writer, key string) error {
	store, backend, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	sess, ok := store.Load(ctx, key)
	if !ok {
		fmt.Fprintf(out, "%s %s\n", yellow("no session"), key)
		return nil
	}

	data, err := json.MarshalIndent(sess.Payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render session: %w", err)
	}
	fmt.Fprintf(out, "%s %s\n", bold("Session"), key)
	fmt.Fprintf(out, "  created  %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  expires  %s\n", sess.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(out, "%s\n", data)
	return nil
}

func (cli *CLI) listSessions(ctx context.Context, out io.Writer) error {
	backend, err := cli.openBackend(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s session backend: %w", cli.cfg.Session.Backend, err)
	}
	defer backend.Close()

	db, ok := backend.(*storage.SQLiteBackend)
	if !ok {
		return fmt.Errorf("listing is not supported by the %s backend", cli.cfg.Session.Backend)
	}
	keys, err := db.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, gray("no sessions"))
		return nil
	}
	for _, key := range keys {
		fmt.Fprintln(out, key)
	}
	return nil
}
