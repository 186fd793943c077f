package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	dispatch "github.com/apexsec/dispatch/sdk"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [call-id...]",
	Short: "Stream live call events",
	Long: `Subscribes to the given call ids, or to every call when none are
given, and prints events as they arrive. Interrupt to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch, err := connect(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()

		if len(args) == 0 {
			if err := ch.SubscribeAll(); err != nil {
				return err
			}
		} else {
			for _, id := range args {
				if err := ch.Subscribe(id); err != nil {
					return err
				}
				// Backfill anything said before we joined.
				_ = ch.GetTranscript(id)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch.Events():
				if !ok {
					return fmt.Errorf("channel closed: %v", ch.Status().Err)
				}
				printEvent(cmd, ev)
			}
		}
	},
}

func printEvent(cmd *cobra.Command, ev dispatch.ChannelEvent) {
	switch e := ev.(type) {
	case dispatch.CallStartedEvent:
		cmd.Printf("call %s started from %s\n", e.Call.CallID, e.Call.Caller)
	case dispatch.CallUpdateEvent:
		cmd.Printf("call %s -> %s (v%d, confidence %.2f)\n",
			e.Call.CallID, e.Call.State, e.Call.Version, e.Call.ConfidenceScore)
	case dispatch.TranscriptionEvent:
		cmd.Printf("[%s] %s: %s\n", e.CallID, e.Entry.Speaker, e.Entry.Message)
	case dispatch.TakeoverEvent:
		cmd.Printf("call %s taken over by %s\n", e.Call.CallID, e.Call.OperatorID)
	case dispatch.EmergencyAlertEvent:
		cmd.Printf("EMERGENCY call %s escalated (%s) incident %s\n",
			e.Call.CallID, e.EscalationType, e.IncidentID)
	case dispatch.EscalationSuggestedEvent:
		cmd.Printf("suggest escalating call %s via %s (%s)\n",
			e.CallID, e.EscalationType, e.Reason)
	case dispatch.CallEndedEvent:
		cmd.Printf("call %s ended (%s)\n", e.Call.CallID, e.Call.State)
	case dispatch.ActiveCallsEvent:
		cmd.Printf("%d active calls\n", len(e.Calls))
	case dispatch.TranscriptHistoryEvent:
		for _, entry := range e.Entries {
			cmd.Printf("[%s] %s: %s\n", e.CallID, entry.Speaker, entry.Message)
		}
	case dispatch.ErrorEvent:
		cmd.PrintErrf("error: %s %s\n", e.Code, e.Message)
	case dispatch.ConnStateEvent:
		if e.Err != nil {
			cmd.PrintErrf("connection %s: %v\n", e.State, e.Err)
		} else {
			cmd.PrintErrf("connection %s\n", e.State)
		}
	}
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
