package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/certa-labs/certa/engine/jobstate"
	"github.com/certa-labs/certa/pkg/logger"
)

// StatusCmd prints the stored state of a job.
func StatusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state and results of a compliance job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStatus(ctx, cmd.OutOrStdout(), args[0], watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print every update until the job finishes")
	return cmd
}

func isTerminal(status string) bool {
	return status == jobstate.StatusCompleted || status == jobstate.StatusError
}

func runStatus(ctx context.Context, out io.Writer, jobID string, watch bool) error {
	rdb, notifier, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()
	defer notifier.Close()
	state := jobstate.NewStore(rdb.Client(), notifier)

	if !watch {
		snap, err := state.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return writeJSON(out, snap)
	}

	// Subscribe before the first read so no transition is missed.
	events, err := notifier.SubscribeToJob(ctx, jobID)
	if err != nil {
		return err
	}
	snap, err := state.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := writeJSON(out, snap); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	for !isTerminal(snap.Status) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("event subscription closed")
			}
			event := gjson.GetBytes(msg.Payload, "event").String()
			log.Debug("Job event received", "job_id", jobID, "event", event)
			if event == jobstate.EventCreated {
				continue
			}
		}
		next, err := state.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to refresh job %s: %w", jobID, err)
		}
		if next.Status == snap.Status && next.Progress == snap.Progress {
			continue
		}
		snap = next
		if err := writeJSON(out, snap); err != nil {
			return err
		}
	}
	return nil
}
