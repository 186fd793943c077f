package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/apexsec/dispatch/pkg/core/call"
)

var (
	takeoverReason string
	takeoverDetail string
)

var takeoverCmd = &cobra.Command{
	Use:   "takeover <call-id>",
	Short: "Take over a call from the AI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		ch, err := connect(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()

		s, err := ch.RequestTakeover(ctx, args[0], call.TakeoverReason(takeoverReason), takeoverDetail)
		if err != nil {
			return err
		}
		cmd.Printf("call %s is now %s, operator %s\n", s.CallID, s.State, s.OperatorID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(takeoverCmd)
	takeoverCmd.Flags().StringVar(&takeoverReason, "reason", string(call.ReasonCallerRequest),
		"takeover reason code (medical_emergency, fire_emergency, security_emergency, ai_confusion, legal_complexity, caller_request, language_barrier, quality_training, custom)")
	takeoverCmd.Flags().StringVar(&takeoverDetail, "detail", "", "free-text detail (required for reason=custom)")
}
