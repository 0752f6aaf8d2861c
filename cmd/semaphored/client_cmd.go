package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/votem/semaphore-service/v1/client"
	"github.com/votem/semaphore-service/v1/lease"
)

func newClient(v *viper.Viper) (*client.Client, error) {
	return client.New(v.GetString("server"))
}

// report prints the outcome and turns DENIED and NOT_HELD into errOutcome.
func report(cmd *cobra.Command, res lease.Result) error {
	fmt.Fprintln(cmd.OutOrStdout(), res.String())
	switch res {
	case lease.Granted, lease.Released:
		return nil
	default:
		return errOutcome
	}
}

func newAcquireCommand(v *viper.Viper) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "acquire KEY",
		Short: "Acquire a semaphore; exits 2 when it is held by someone else",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := newClient(v)
			if err != nil {
				return err
			}
			res, err := c.Acquire(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			return report(cmd, res)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "lease length, rounded up to whole seconds (0 uses the server default)")
	return cmd
}

func newReleaseCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "release KEY",
		Short: "Release a semaphore; exits 2 when nothing was stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := newClient(v)
			if err != nil {
				return err
			}
			res, err := c.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(cmd, res)
		},
	}
}

func newInspectCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect KEY",
		Short: "Print the stored lease for a key as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := newClient(v)
			if err != nil {
				return err
			}
			st, ok, err := c.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return report(cmd, lease.NotHeld)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
