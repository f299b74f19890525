package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/telemetry"
	"github.com/relayq/relayq/internal/transport"
)

var (
	sendBody        string
	sendPriority    int
	sendDefer       time.Duration
	sendTTL         time.Duration
	sendOrderingKey string
	sendHeaders     []string
)

var sendCmd = &cobra.Command{
	Use:   "send <queue>",
	Short: "Send one message to a queue",
	Long: `Send one message to a queue. The body comes from --body, or from
stdin when --body is omitted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := openProvider()
		if err != nil {
			return err
		}
		defer provider.Close()

		body := []byte(sendBody)
		if sendBody == "" {
			body, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read body from stdin: %w", err)
			}
		}

		msg := bus.NewMessage(body)
		for _, kv := range sendHeaders {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("header %q is not key=value", kv)
			}
			msg.Headers[key] = value
		}
		if sendPriority != 0 {
			msg.Headers[bus.HeaderPriority] = strconv.Itoa(sendPriority)
		}
		if sendDefer > 0 {
			msg.Headers[bus.HeaderDeferredUntil] = time.Now().Add(sendDefer).UTC().Format(time.RFC3339Nano)
		}
		if sendTTL > 0 {
			msg.Headers[bus.HeaderTimeToBeReceived] = sendTTL.String()
		}
		if sendOrderingKey != "" {
			msg.Headers[bus.HeaderOrderingKey] = sendOrderingKey
		}

		t := telemetry.WrapTransport(transport.New(provider, transport.Config{
			UseOrderingKey: sendOrderingKey != "",
		}))
		scope := bus.NewScope()
		defer scope.Close()

		if err := t.Send(cmd.Context(), args[0], msg, scope); err != nil {
			return err
		}
		if err := scope.Complete(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("sent %s to %s\n", msg.ID(), args[0])
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendBody, "body", "", "message body (default: read stdin)")
	sendCmd.Flags().IntVar(&sendPriority, "priority", 0, "delivery priority (higher first)")
	sendCmd.Flags().DurationVar(&sendDefer, "defer", 0, "delay before the message becomes visible")
	sendCmd.Flags().DurationVar(&sendTTL, "ttl", 0, "time-to-be-received bound")
	sendCmd.Flags().StringVar(&sendOrderingKey, "ordering-key", "", "ordering key for serial delivery")
	sendCmd.Flags().StringArrayVar(&sendHeaders, "header", nil, "extra header key=value (repeatable)")
	rootCmd.AddCommand(sendCmd)
}
