package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apexsec/dispatch/pkg/core/call"
)

var (
	endFinal  string
	endReason string
	endYes    bool
)

var endCmd = &cobra.Command{
	Use:   "end <call-id>",
	Short: "End a call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		ch, err := connect(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()

		end, err := ch.BeginEndCall(args[0], call.State(endFinal), endReason)
		if err != nil {
			return err
		}

		if !endYes {
			cmd.Printf("End call %s? [y/N]: ", args[0])
			line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
				return fmt.Errorf("end aborted")
			}
		}

		s, err := end.Confirm(ctx)
		if err != nil {
			return err
		}
		cmd.Printf("call %s ended as %s\n", s.CallID, s.State)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endCmd)
	endCmd.Flags().StringVar(&endFinal, "final", "", "final state (completed, failed, abandoned; default completed)")
	endCmd.Flags().StringVar(&endReason, "reason", "", "why the call is being ended")
	endCmd.Flags().BoolVarP(&endYes, "yes", "y", false, "skip the interactive confirmation prompt")
}
