package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/leasecache"
	"github.com/unkn0wn-root/leasecache/config"
	logzap "github.com/unkn0wn-root/leasecache/log/zap"
)

type app struct {
	open    opener
	cfgPath string
	owner   string
}

func newRootCommand(open opener) *cobra.Command {
	a := &app{open: open}
	root := &cobra.Command{
		Use:           "leasecache",
		Short:         "Inspect and operate a lease-coordinated cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config-file", "c", "", "config file path (env LEASECACHE_* overrides it)")
	root.PersistentFlags().StringVar(&a.owner, "owner", "", "owner identity for lock commands (default: config owner)")

	root.AddCommand(
		a.putCommand(),
		a.getCommand(),
		a.invalidateCommand(),
		a.listCommand(),
		a.fillCommand(),
		a.lockCommand(),
		a.sweepCommand(),
	)
	return root
}

// run loads configuration, opens the backends, and hands the coordinator to fn.
func (a *app) run(cmd *cobra.Command, fn func(c *leasecache.Coordinator, cfg config.Config) error) (err error) {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.owner != "" {
		cfg.Owner = a.owner
	}
	log, err := logzap.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	c, closeFn, err := a.open(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeFn()) }()
	return fn(c, cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
