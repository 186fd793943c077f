package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	dispatch "github.com/apexsec/dispatch/sdk"
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List active calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ch, err := connect(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()

		if err := ch.GetActiveCalls(); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("no active-calls reply before timeout")
			case ev, ok := <-ch.Events():
				if !ok {
					return fmt.Errorf("channel closed: %v", ch.Status().Err)
				}
				snapshot, match := ev.(dispatch.ActiveCallsEvent)
				if !match {
					continue
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CALL\tCALLER\tSTATE\tCONFIDENCE\tINCIDENT\tSTARTED")
				for _, s := range snapshot.Calls {
					fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
						s.CallID, s.Caller, s.State, s.ConfidenceScore,
						s.IncidentType, s.StartedAt.Format(time.RFC3339))
				}
				return w.Flush()
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(callsCmd)
}
