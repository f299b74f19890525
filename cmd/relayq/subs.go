package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/substore"
)

var subsCmd = &cobra.Command{
	Use:   "subs",
	Short: "Subscription registry operations",
}

func subscriptionStore(cmd *cobra.Command) (*substore.Store, func(), error) {
	provider, err := openProvider()
	if err != nil {
		return nil, nil, err
	}
	store := substore.New(provider, substore.Config{})
	if err := store.Initialize(cmd.Context()); err != nil {
		provider.Close()
		return nil, nil, err
	}
	return store, func() { _ = provider.Close() }, nil
}

var subsRegisterCmd = &cobra.Command{
	Use:   "register <topic> <address>",
	Short: "Subscribe a queue address to a topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := subscriptionStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := store.RegisterSubscriber(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", args[0], args[1])
		return nil
	},
}

var subsUnregisterCmd = &cobra.Command{
	Use:   "unregister <topic> <address>",
	Short: "Unsubscribe a queue address from a topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := subscriptionStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return store.UnregisterSubscriber(cmd.Context(), args[0], args[1])
	},
}

var subsListCmd = &cobra.Command{
	Use:   "list <topic>",
	Short: "List the subscribers of a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := subscriptionStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		addresses, err := store.GetSubscriberAddresses(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, address := range addresses {
			fmt.Println(address)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subsCmd)
	subsCmd.AddCommand(subsRegisterCmd)
	subsCmd.AddCommand(subsUnregisterCmd)
	subsCmd.AddCommand(subsListCmd)
}
