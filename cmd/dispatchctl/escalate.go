package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	escalateType   string
	escalateDetail string
	escalateYes    bool
)

var escalateCmd = &cobra.Command{
	Use:   "escalate <call-id>",
	Short: "Escalate a call to an external responder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		ch, err := connect(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()

		esc, err := ch.BeginEscalation(args[0], escalateType, escalateDetail)
		if err != nil {
			return err
		}

		if esc.RequiresConfirmation() && !escalateYes {
			cmd.Printf("%s (%s priority). Confirm? [y/N]: ", esc.Type().Label, esc.Type().EmergencyLevel)
			line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
				return fmt.Errorf("escalation aborted")
			}
		}

		s, err := esc.Confirm(ctx)
		if err != nil {
			return err
		}
		if s.IncidentID != "" {
			cmd.Printf("call %s escalated (%s), incident %s\n", s.CallID, escalateType, s.IncidentID)
		} else {
			cmd.Printf("call %s escalated (%s)\n", s.CallID, escalateType)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(escalateCmd)
	escalateCmd.Flags().StringVar(&escalateType, "type", "", "escalation type (emergency_911, guard_dispatch, supervisor_notify, property_manager, maintenance_urgent)")
	escalateCmd.Flags().StringVar(&escalateDetail, "detail", "", "free-text detail passed to responders")
	escalateCmd.Flags().BoolVarP(&escalateYes, "yes", "y", false, "skip the interactive confirmation prompt")
	_ = escalateCmd.MarkFlagRequired("type")
}
