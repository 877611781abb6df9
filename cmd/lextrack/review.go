package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"LexTrack/internal/config"
	"LexTrack/internal/monitor"
	"LexTrack/internal/task"
	"LexTrack/internal/transport"
	"LexTrack/internal/wizard"
)

const reviewSessionKey = "review_session"

const (
	stepUpload     = "upload"
	stepConfirm    = "confirm"
	stepProcessing = "processing"
	stepResult     = "result"
)

type reviewOptions struct {
	reviewType string
	keep       bool
}

func newReviewCommand(cli *CLI) *cobra.Command {
	var opts reviewOptions
	cmd := &cobra.Command{
		Use:   "review <document>",
		Short: "Run a resumable contract review",
		Long: `Walks a document through upload, confirmation, processing and result.
Progress is kept in the session store, so an interrupted review continues
where it left off when the same document is reviewed again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.review(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.reviewType, "type", "contract_review", "Task type to submit")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "Keep the session after showing the result")
	return cmd
}

func hasDocument(data map[string]any) bool {
	path, _ := data["documentPath"].(string)
	return path != ""
}

func isConfirmed(data map[string]any) bool {
	confirmed, _ := data["confirmed"].(bool)
	return confirmed
}

func reviewSteps() []wizard.Step {
	return []wizard.Step{
		{Name: stepUpload},
		{Name: stepConfirm, Precondition: hasDocument},
		{Name: stepProcessing, Precondition: isConfirmed},
		{Name: stepResult, Precondition: wizard.TaskSucceeded},
	}
}

func (cli *CLI) review(ctx context.Context, out io.Writer, document string, opts reviewOptions) error {
	path, err := filepath.Abs(document)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", document, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", document)
	}

	store, backend, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()
	if cli.cfg.Session.Backend == config.BackendMemory {
		fmt.Fprintln(out, yellow("session backend is memory, an interrupted review cannot be resumed"))
	}

	// Saves must land even after Ctrl-C so the review can resume.
	w, err := wizard.New(context.WithoutCancel(ctx), store, reviewSessionKey, reviewSteps(),
		wizard.WithSaveDebounce(cli.cfg.Session.SaveDebounce),
		wizard.WithLogger(cli.logger))
	if err != nil {
		return fmt.Errorf("failed to start review: %w", err)
	}
	defer w.Close()

	if prev, _ := w.Data()["documentPath"].(string); prev != "" && prev != path {
		fmt.Fprintf(out, "discarding unfinished review of %s\n", filepath.Base(prev))
		w.Reset()
	} else if w.Index() > 0 {
		fmt.Fprintf(out, "resuming review at step %s\n", bold(w.Current()))
	}

	m, client, err := cli.newMonitor()
	if err != nil {
		return err
	}
	defer m.Close()

	for {
		switch w.Current() {
		case stepUpload:
			w.UpdatePayload(map[string]any{
				"documentPath": path,
				"documentName": info.Name(),
				"documentSize": float64(info.Size()),
			})
			if err := w.Next(); err != nil {
				return err
			}

		case stepConfirm:
			fmt.Fprintf(out, "%s %s (%d bytes) as %s\n", bold("Reviewing"), info.Name(), info.Size(), opts.reviewType)
			w.UpdatePayload(map[string]any{"confirmed": true, "reviewType": opts.reviewType})
			if err := w.Next(); err != nil {
				return err
			}

		case stepProcessing:
			if err := cli.process(ctx, out, w, m, client); err != nil {
				return err
			}
			if err := w.Next(); err != nil {
				return err
			}

		case stepResult:
			st, _ := wizard.TaskStateOf(w.Data())
			data, err := json.MarshalIndent(st.Result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render result: %w", err)
			}
			fmt.Fprintf(out, "%s\n%s\n", green("Review complete"), data)
			if !opts.keep {
				w.Reset()
			}
			return nil

		default:
			return fmt.Errorf("unknown review step %q", w.Current())
		}
	}
}

// process drives the processing step until the bound task completes. A task
// left unfinished by an earlier run is tracked again; a failed one is
// resubmitted.
func (cli *CLI) process(ctx context.Context, out io.Writer, w *wizard.Controller, m *monitor.Monitor, client *transport.HTTPClient) error {
	st, bound := wizard.TaskStateOf(w.Data())
	if bound && st.Status == task.StatusCompleted {
		return nil
	}

	p := &printer{out: out}
	outcome := make(chan error, 1)
	h, resumed := w.ResumeTask(ctx, m, cli.cfg.Token, p.callbacks(st.ID, outcome))
	if resumed {
		fmt.Fprintf(out, "following task %s\n", gray(st.ID))
	} else {
		data := w.Data()
		reviewType, _ := data["reviewType"].(string)
		id, err := client.SubmitTask(ctx, cli.cfg.Token, task.SubmitRequest{
			Type: reviewType,
			Input: map[string]any{
				"documentName": data["documentName"],
				"documentSize": data["documentSize"],
			},
		})
		if err != nil {
			return fmt.Errorf("failed to submit review: %w", err)
		}
		fmt.Fprintf(out, "submitted task %s\n", gray(id))
		h = w.AttachTask(ctx, m, id, cli.cfg.Token, p.callbacks(id, outcome))
	}

	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("review interrupted, run again to resume: %w", err)
	}
	select {
	case err := <-outcome:
		return err
	default:
		return errors.New("tracking stopped before the review finished")
	}
}
