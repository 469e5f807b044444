package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/model"
	"github.com/spf13/cobra"
)

// runWithSettle builds the engine, runs fn and reports its error the way the
// workers would classify it.
func runWithSettle(app *settleInstance, fn func(ctx context.Context, s *settle.Settle, args []string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		if err := app.setup(); err != nil {
			log.Fatal(err)
		}
		defer app.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		if err := fn(ctx, app.settle, args); err != nil {
			log.Fatalf("%s (%s)", err, settle.Classify(err))
		}
	}
}

func eventCommands(app *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "inspect and retry triggered events",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <event_id>",
		Short: "re-enqueue a failed triggered event",
		Args:  cobra.ExactArgs(1),
		Run: runWithSettle(app, func(ctx context.Context, s *settle.Settle, args []string) error {
			id := args[0]
			event, err := s.GetTriggeredEvent(ctx, id)
			if err != nil {
				return err
			}
			switch event.Status {
			case model.EventFailedToTrigger:
				err = s.RetryToTrigger(ctx, id)
			case model.EventFailedToHandle:
				err = s.RetryEvent(ctx, id)
			default:
				return fmt.Errorf("event %s is %s: %w", id, event.Status, settle.ErrInvalidPreState)
			}
			if errors.Is(err, settle.ErrRetryCeilingExceeded) {
				fmt.Printf("event %s exhausted its retries and is now %s\n", id, model.EventFailed)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("event %s retried\n", id)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <event_id>",
		Short: "print a triggered event",
		Args:  cobra.ExactArgs(1),
		Run: runWithSettle(app, func(ctx context.Context, s *settle.Settle, args []string) error {
			event, err := s.GetTriggeredEvent(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s@%s status=%s attempts=%d history=%v last_error=%q\n",
				event.EventID, event.Handler.Name, event.Handler.Version, event.Status,
				event.RetryAttempts, event.StatusHistory, event.LastError)
			return nil
		}),
	})

	return cmd
}

func transferCommands(app *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "operate wallet transfer sagas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "revert <operation_id>",
		Short: "run the compensation of a failed wallet transfer",
		Args:  cobra.ExactArgs(1),
		Run: runWithSettle(app, func(ctx context.Context, s *settle.Settle, args []string) error {
			id := args[0]
			if err := s.RevertWalletTransfer(ctx, id); err != nil {
				return err
			}
			fmt.Printf("transfer %s reverted\n", id)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <operation_id>",
		Short: "cancel a scheduled wallet transfer",
		Args:  cobra.ExactArgs(1),
		Run: runWithSettle(app, func(ctx context.Context, s *settle.Settle, args []string) error {
			op, err := s.CancelScheduledTransfer(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("transfer %s %s\n", op.OperationID, op.Status)
			return nil
		}),
	})

	return cmd
}

func anticipationCommands(app *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anticipations",
		Short: "operate anticipation sagas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "revert <operation_id>",
		Short: "run the compensation of a failed anticipation",
		Args:  cobra.ExactArgs(1),
		Run: runWithSettle(app, func(ctx context.Context, s *settle.Settle, args []string) error {
			id := args[0]
			if err := s.RevertAnticipation(ctx, id); err != nil {
				return err
			}
			fmt.Printf("anticipation %s reverted\n", id)
			return nil
		}),
	})

	return cmd
}

func recoverCommand(app *settleInstance) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "republish events and operations stuck without a message",
	}
	cmd.Run = runWithSettle(app, func(ctx context.Context, s *settle.Settle, args []string) error {
		n, err := s.Recover(ctx, threshold)
		if err != nil {
			return err
		}
		fmt.Printf("republished %d messages\n", n)
		return nil
	})
	cmd.Flags().DurationVar(&threshold, "older-than", 5*time.Minute, "only recover work idle for longer than this")
	return cmd
}
