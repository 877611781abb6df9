package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"LexTrack/internal/monitor"
	"LexTrack/internal/task"
)

func newTrackCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "track <task-id>...",
		Short: "Follow tasks until they finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.track(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

// track follows every task concurrently and fails if any of them did not
// complete.
func (cli *CLI) track(ctx context.Context, out io.Writer, ids []string) error {
	m, _, err := cli.newMonitor()
	if err != nil {
		return err
	}
	defer m.Close()

	p := &printer{out: out, multi: len(ids) > 1}
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			outcome := make(chan error, 1)
			h := m.Track(ctx, id, cli.cfg.Token, p.callbacks(id, outcome))
			if err := h.Wait(ctx); err != nil {
				return fmt.Errorf("stopped tracking %s: %w", id, err)
			}
			select {
			case err := <-outcome:
				return err
			default:
				return fmt.Errorf("stopped tracking %s before it finished", id)
			}
		})
	}
	return g.Wait()
}

// printer renders task events, one line each.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	multi bool
}

func (p *printer) printf(taskID, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.multi {
		fmt.Fprintf(p.out, "%s ", gray("["+shortID(taskID)+"]"))
	}
	fmt.Fprintf(p.out, format+"\n", args...)
}

// callbacks reports events for taskID and sends the outcome, nil on success.
func (p *printer) callbacks(taskID string, outcome chan<- error) monitor.Callbacks {
	return monitor.Callbacks{
		OnProgress: func(t task.Task) {
			stage := t.Stage()
			if stage == "" {
				stage = string(t.Status)
			}
			p.printf(taskID, "%s %s", cyan(fmt.Sprintf("%5.1f%%", t.ProgressPercent)), stage)
		},
		OnCompleted: func(result json.RawMessage) {
			p.printf(taskID, "%s %s", green("✓ completed"), compact(result))
			outcome <- nil
		},
		OnFailed: func(err error) {
			p.printf(taskID, "%s %v", red("✗"), err)
			outcome <- err
		},
		OnStateChange: func(s monitor.ConnectionState) {
			switch s {
			case monitor.Reconnecting:
				p.printf(taskID, "%s", yellow("connection lost, reconnecting"))
			case monitor.Polling:
				p.printf(taskID, "%s", yellow("push unavailable, polling for updates"))
			}
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return gray(string(data))
}
