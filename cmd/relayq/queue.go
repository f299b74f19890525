package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/transport"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue table management",
}

var queueCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a queue table and its indexes (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := openProvider()
		if err != nil {
			return err
		}
		defer provider.Close()

		t := transport.New(provider, transport.Config{UseOrderingKey: flagOrderingKey})
		if err := t.CreateQueue(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("queue %s ready\n", args[0])
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats <name>",
	Short: "Show a row census of one queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := openProvider()
		if err != nil {
			return err
		}
		defer provider.Close()

		t := transport.New(provider, transport.Config{})
		stats, err := t.Stats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("total:        %d\n", stats.Total)
		fmt.Printf("deliverable:  %d\n", stats.Deliverable)
		fmt.Printf("leased:       %d\n", stats.Leased)
		fmt.Printf("expired:      %d\n", stats.Expired)
		return nil
	},
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep <name>",
	Short: "Run one expiration/reclaim sweep over a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := openProvider()
		if err != nil {
			return err
		}
		defer provider.Close()

		t := transport.New(provider, transport.Config{
			InputQueue:        args[0],
			SkipTableCreation: true,
		})
		expired, reclaimed, err := t.RunCleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("expired %d, reclaimed %d\n", expired, reclaimed)
		return nil
	},
}

var flagOrderingKey bool

func init() {
	queueCreateCmd.Flags().BoolVar(&flagOrderingKey, "ordering-key", false,
		"include the ordering-key column and index")
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueCreateCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueSweepCmd)
}
