package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/leasecache"
	"github.com/unkn0wn-root/leasecache/config"
	"github.com/unkn0wn-root/leasecache/record"
	"github.com/unkn0wn-root/leasecache/store"
)

type entryFlags struct {
	region  string
	ttl     time.Duration
	expires string
}

func (f *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.region, "region", "r", "", "region (default \""+store.DefaultRegion+"\")")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "relative lifetime; 0 = never expires")
	cmd.Flags().StringVar(&f.expires, "expires", "", "absolute expiration (RFC 3339); overrides --ttl")
}

// expiration resolves the flags into the record's absolute expiration.
func (f *entryFlags) expiration(now time.Time) (*time.Time, error) {
	switch {
	case f.expires != "":
		t, err := time.Parse(time.RFC3339, f.expires)
		if err != nil {
			return nil, fmt.Errorf("--expires: %w", err)
		}
		return &t, nil
	case f.ttl < 0:
		return nil, fmt.Errorf("--ttl must not be negative")
	case f.ttl > 0:
		t := now.Add(f.ttl)
		return &t, nil
	}
	return nil, nil
}

func (a *app) putCommand() *cobra.Command {
	var ef entryFlags
	var uri, file string
	cmd := &cobra.Command{
		Use:   "put KEY [VALUE]",
		Short: "Store a blob (VALUE, --file or stdin) or a URI reference (--uri)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := record.CacheRecord{CacheKey: args[0], CacheRegion: ef.region, CacheBlobURI: uri}
			if uri == "" {
				b, err := readValue(cmd.InOrStdin(), args, file)
				if err != nil {
					return err
				}
				rec.CacheBlobBinary = b
			}
			exp, err := ef.expiration(time.Now())
			if err != nil {
				return err
			}
			rec.CacheExpirationTime = exp
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				return c.PutCache(cmd.Context(), rec)
			})
		},
	}
	ef.register(cmd)
	cmd.Flags().StringVar(&uri, "uri", "", "store a URI reference instead of bytes")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the blob from a file")
	return cmd
}

func readValue(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 2:
		return []byte(args[1]), nil
	case file != "":
		return os.ReadFile(file)
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return b, nil
}

func (a *app) getCommand() *cobra.Command {
	var region string
	var raw bool
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print an entry as a cache record, or its raw bytes with --raw",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				rec, err := c.GetCache(cmd.Context(), args[0], region)
				if err != nil {
					return err
				}
				if raw {
					if rec.CacheBlobBinary == nil {
						_, err = fmt.Fprintln(cmd.OutOrStdout(), rec.CacheBlobURI)
						return err
					}
					_, err = cmd.OutOrStdout().Write(rec.CacheBlobBinary)
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVarP(&region, "region", "r", "", "region")
	cmd.Flags().BoolVar(&raw, "raw", false, "write the blob bytes (or the URI) instead of JSON")
	return cmd
}

func (a *app) invalidateCommand() *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "invalidate KEY...",
		Short: "Remove entries; missing keys are not an error",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				var errs []error
				for _, k := range args {
					errs = append(errs, c.InvalidateCache(cmd.Context(), k, region))
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringVarP(&region, "region", "r", "", "region")
	return cmd
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [REGION]",
		Short: "List live keys in a region",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region := ""
			if len(args) == 1 {
				region = args[0]
			}
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				keys, err := c.ListRegion(cmd.Context(), region)
				if err != nil {
					return err
				}
				for _, k := range keys {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), k); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

// fillCommand is GetOrPopulate from the shell: on a miss, the first caller runs
// the command under the key's lease and caches its stdout.
func (a *app) fillCommand() *cobra.Command {
	var ef entryFlags
	var bestEffort bool
	var maxWait time.Duration
	cmd := &cobra.Command{
		Use:   "fill KEY -- COMMAND [ARG...]",
		Short: "Print KEY, producing it with COMMAND under a lease when missing",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				p := leasecache.Populate{Key: args[0], Region: ef.region, TTL: ef.ttl, MaxWait: maxWait}
				if bestEffort {
					p.Policy = leasecache.BestEffort
				}
				payload, err := c.GetOrPopulate(cmd.Context(), p, func(ctx context.Context) (store.Payload, error) {
					out, err := exec.CommandContext(ctx, args[1], args[2:]...).Output()
					if err != nil {
						return store.Payload{}, fmt.Errorf("producer %s: %w", args[1], err)
					}
					return store.Blob(out), nil
				})
				if err != nil {
					return err
				}
				if b, ok := payload.Bytes(); ok {
					_, err = cmd.OutOrStdout().Write(b)
					return err
				}
				uri, _ := payload.URI()
				_, err = fmt.Fprintln(cmd.OutOrStdout(), uri)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&ef.region, "region", "r", "", "region")
	cmd.Flags().DurationVar(&ef.ttl, "ttl", 0, "entry lifetime; 0 = never expires")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "fail with busy instead of waiting for another producer")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "how long to wait for another producer (default: config)")
	return cmd
}

func (a *app) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired entries and leases once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(c *leasecache.Coordinator, _ config.Config) error {
				res, err := c.Sweep(cmd.Context())
				if werr := writeJSON(cmd.OutOrStdout(), map[string]any{
					"entries": res.Entries,
					"leases":  res.Leases,
					"took":    res.Took.String(),
				}); werr != nil {
					return errors.Join(err, werr)
				}
				return err
			})
		},
	}
}
