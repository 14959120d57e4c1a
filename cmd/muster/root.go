package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"muster/internal/appversion"
	"muster/pkg/config"
	"muster/pkg/store"
)

// globalOpts holds flags shared by every subcommand.
type globalOpts struct {
	configPath string
}

// newRootCmd creates the root muster command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var opts globalOpts

	cmd := &cobra.Command{
		Use:           "muster",
		Short:         "Coordinate tasks across a pool of agents",
		Long:          "muster queues tasks, assigns them to capable agents, verifies their\ncompletion claims and escalates tasks that keep failing.",
		Version:       fmt.Sprintf("muster %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (.yaml, .yml or .toml); defaults to $MUSTER_CONFIG or ~/.muster/config.yaml")

	cmd.AddCommand(
		newServeCmd(&opts),
		newAgentCmd(&opts),
		newStatusCmd(&opts),
		newTasksCmd(&opts),
		newTrailCmd(&opts),
		newEscalationsCmd(&opts),
		newLogsCmd(&opts),
		newTopCmd(&opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the muster version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := "muster " + appversion.String()
			if rev := appversion.Revision(); rev != "" {
				out += " (" + rev + ")"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
		},
	}
}

// resolveConfigPath picks the config file: the flag, then MUSTER_CONFIG,
// then config.yaml in the default state directory if it exists.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("MUSTER_CONFIG"); v != "" {
		return v
	}
	p := filepath.Join(config.DefaultStateDir(), "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

func (o *globalOpts) load() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(o.configPath))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured store, creating the SQLite directory
// when needed.
func openStore(ctx context.Context, cfg config.Config, opts ...store.Option) (*store.Store, error) {
	if cfg.Store.Driver == store.DriverSQLite {
		if dir := filepath.Dir(sqlitePath(cfg.Store.DSN)); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
	}
	s, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// sqlitePath strips the URI scheme and query from a SQLite DSN.
func sqlitePath(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}
