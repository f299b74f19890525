package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/telemetry"
	"github.com/relayq/relayq/internal/transport"
)

var (
	receiveNack        bool
	receiveOrderingKey bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive <queue>",
	Short: "Receive one message and ack it (or --nack to release it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := openProvider()
		if err != nil {
			return err
		}
		defer provider.Close()

		t := telemetry.WrapTransport(transport.New(provider, transport.Config{
			InputQueue:        args[0],
			SkipTableCreation: true,
			UseOrderingKey:    receiveOrderingKey,
		}))
		scope := bus.NewScope()
		defer scope.Close()

		msg, err := t.Receive(cmd.Context(), scope)
		if err != nil {
			return err
		}
		if msg == nil {
			fmt.Println("no message")
			return nil
		}

		keys := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, msg.Headers[k])
		}
		fmt.Println()
		os.Stdout.Write(msg.Body)
		fmt.Println()

		if receiveNack {
			// Leave the scope uncompleted; Close releases the lease.
			return nil
		}
		return scope.Complete(cmd.Context())
	},
}

func init() {
	receiveCmd.Flags().BoolVar(&receiveNack, "nack", false, "release the message instead of acking")
	receiveCmd.Flags().BoolVar(&receiveOrderingKey, "ordering-key", false, "respect ordering keys when selecting")
	rootCmd.AddCommand(receiveCmd)
}
