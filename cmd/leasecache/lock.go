package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/leasecache"
	"github.com/unkn0wn-root/leasecache/config"
	"github.com/unkn0wn-root/leasecache/record"
)

type leaseFlags struct {
	ttl     time.Duration
	expires string
}

func (f *leaseFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "lease lifetime (default 30m, max 8h)")
	cmd.Flags().StringVar(&f.expires, "expires", "", "absolute expiration (RFC 3339); overrides --ttl")
}

// expiration returns nil when neither flag is set, so the default lease applies.
func (f *leaseFlags) expiration(now time.Time) (*time.Time, error) {
	switch {
	case f.expires != "":
		t, err := time.Parse(time.RFC3339, f.expires)
		if err != nil {
			return nil, fmt.Errorf("--expires: %w", err)
		}
		return &t, nil
	case f.ttl != 0:
		t := now.Add(f.ttl)
		return &t, nil
	}
	return nil, nil
}

// requireOwner rejects renew and release without a stable identity; a generated
// owner can never match the lease a previous invocation acquired.
func requireOwner(cfg config.Config) error {
	if cfg.Owner == "" {
		return errors.New("--owner (or config owner) is required")
	}
	return nil
}

func (a *app) lockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, renew, release and inspect leases",
	}
	cmd.AddCommand(a.lockAcquireCommand(), a.lockRenewCommand(), a.lockReleaseCommand(), a.lockHolderCommand())
	return cmd
}

func (a *app) lockAcquireCommand() *cobra.Command {
	var (
		lf   leaseFlags
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "acquire UID",
		Short: "Acquire a lease; prints the grant, or the holder on denial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				exp, err := lf.expiration(time.Now())
				if err != nil {
					return err
				}
				g, err := c.AcquireLock(cmd.Context(), record.LockRequest{UID: args[0], LockOwner: c.Owner(), LockExpiration: exp}, wait)
				if d, ok := record.DeniedFromError(err); ok {
					return errors.Join(writeJSON(cmd.OutOrStdout(), d), err)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), g)
			})
		},
	}
	lf.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep retrying a denied acquire this long; 0 = single attempt")
	return cmd
}

func (a *app) lockRenewCommand() *cobra.Command {
	var lf leaseFlags
	cmd := &cobra.Command{
		Use:   "renew UID",
		Short: "Extend a lease held by --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, cfg config.Config) error {
				if err := requireOwner(cfg); err != nil {
					return err
				}
				exp, err := lf.expiration(time.Now())
				if err != nil {
					return err
				}
				g, err := c.RenewLock(cmd.Context(), args[0], c.Owner(), exp)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), g)
			})
		},
	}
	lf.register(cmd)
	return cmd
}

func (a *app) lockReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release UID",
		Short: "Release a lease held by --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, cfg config.Config) error {
				if err := requireOwner(cfg); err != nil {
					return err
				}
				return c.ReleaseLock(cmd.Context(), args[0], c.Owner())
			})
		},
	}
}

func (a *app) lockHolderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "holder UID",
		Short: "Print the live holder of a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				l, ok, err := c.LockHolder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %w", args[0], leasecache.ErrNotHeld)
				}
				return writeJSON(cmd.OutOrStdout(), record.GrantFromLease(l))
			})
		},
	}
}
