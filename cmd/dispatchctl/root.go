package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/apexsec/dispatch/pkg/gateway/auth"
	dispatch "github.com/apexsec/dispatch/sdk"
)

var (
	flagEndpoint string
	flagToken    string
	flagOperator string
	flagRole     string
	flagLogLevel string
	flagTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "Operator console for the dispatch gateway",
	Long: `dispatchctl connects to a dispatch gateway's monitor endpoint and lets
an operator watch live calls, take over from the AI, escalate to external
responders, and end calls.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(flagLogLevel)
		if flagEndpoint == "" {
			flagEndpoint = os.Getenv("DISPATCH_ENDPOINT")
		}
		if flagToken == "" {
			flagToken = os.Getenv("DISPATCH_TOKEN")
		}
		if flagOperator == "" {
			flagOperator = os.Getenv("DISPATCH_OPERATOR_ID")
		}
		if flagEndpoint == "" {
			return fmt.Errorf("endpoint is required (--endpoint or DISPATCH_ENDPOINT)")
		}
		if flagOperator == "" {
			return fmt.Errorf("operator id is required (--operator or DISPATCH_OPERATOR_ID)")
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEndpoint, "endpoint", "", "monitor websocket URL (ws://host:8090/v1/monitor)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "API key")
	rootCmd.PersistentFlags().StringVar(&flagOperator, "operator", "", "operator id attached to interventions")
	rootCmd.PersistentFlags().StringVar(&flagRole, "role", string(auth.RoleOperator), "session role (viewer, operator, supervisor)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 8*time.Second, "intervention acknowledgment timeout")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
	})
	slog.SetDefault(slog.New(handler))
}

// connect builds an SDK client from the persistent flags and opens the
// channel.
func connect(ctx context.Context) (*dispatch.Channel, error) {
	client := dispatch.NewClient(
		dispatch.WithEndpoint(flagEndpoint),
		dispatch.WithToken(flagToken),
		dispatch.WithOperatorID(flagOperator),
		dispatch.WithRole(auth.Role(flagRole)),
		dispatch.WithLogger(slog.Default()),
		dispatch.WithRequestTimeout(flagTimeout),
	)
	ch, err := client.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", flagEndpoint, err)
	}
	return ch, nil
}
