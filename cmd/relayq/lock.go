package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/exclusivelock"
)

var lockTTL time.Duration

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Exclusive-access lock operations",
}

func lockService() (*exclusivelock.Service, func(), error) {
	provider, err := openProvider()
	if err != nil {
		return nil, nil, err
	}
	svc := exclusivelock.New(provider, exclusivelock.Config{TTL: lockTTL})
	cleanup := func() {
		_ = svc.Close()
		_ = provider.Close()
	}
	return svc, cleanup, nil
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <key>",
	Short: "Try to acquire a lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := lockService()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := svc.Initialize(cmd.Context()); err != nil {
			return err
		}
		ok, err := svc.Acquire(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("lock %q is held", args[0])
		}
		fmt.Printf("acquired %q\n", args[0])
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <key>",
	Short: "Release a lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := lockService()
		if err != nil {
			return err
		}
		defer cleanup()
		ok, err := svc.Release(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("%q was not held\n", args[0])
			return nil
		}
		fmt.Printf("released %q\n", args[0])
		return nil
	},
}

var lockHeldCmd = &cobra.Command{
	Use:   "held <key>",
	Short: "Check whether a lock is held",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := lockService()
		if err != nil {
			return err
		}
		defer cleanup()
		held, err := svc.IsHeld(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(held)
		return nil
	},
}

var lockSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired locks now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := lockService()
		if err != nil {
			return err
		}
		defer cleanup()
		n, err := svc.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("released %d expired lock(s)\n", n)
		return nil
	},
}

func init() {
	lockCmd.PersistentFlags().DurationVar(&lockTTL, "ttl", exclusivelock.DefaultTTL,
		"auto-release deadline for acquired locks")
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockHeldCmd)
	lockCmd.AddCommand(lockSweepCmd)
}
