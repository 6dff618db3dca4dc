package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Manage per-agent circuit breakers",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <agent>...",
	Short: "Close an agent's circuit breaker",
	Long: `Close the circuit breaker of each named agent and clear its failure
window, whether or not the cool-down has elapsed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err := newLogger(cfg, "")
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range args {
			if err := a.ctrl.ResetBreaker(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s breaker for %s closed\n", color.GreenString("✓"), id)
		}
		return nil
	},
}

func init() {
	breakerCmd.AddCommand(breakerResetCmd)
}
