package main

import (
	"context"
	goflag "flag"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/kensuke/internal/config"
	"github.com/dreamware/kensuke/internal/storage"
)

// app carries what every subcommand needs: the viper instance flags are
// bound to and the config file path.
type app struct {
	v       *viper.Viper
	cfgFile string
}

func (a *app) config() (*config.Config, error) {
	return config.Load(a.v, a.cfgFile)
}

// openStore loads the config and opens the database it names.
func (a *app) openStore(ctx context.Context) (*storage.SQLiteStore, *config.Config, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.OpenSQLite(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return store, cfg, nil
}

// bindFlags makes the named flags override their config keys when set on
// the command line.
func (a *app) bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := a.v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "kensuke",
		Short:         "Coordinator that keeps player stats consistent across game servers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ./kensuke.toml)")
	flags.String("database", "", "SQLite database file")
	a.bindFlags(flags, map[string]string{"database": config.KeyDatabase})
	flags.AddGoFlagSet(goflag.CommandLine)

	rootCmd.AddCommand(
		newServeCmd(a),
		newAccountCmd(a),
		newStatusCmd(),
		newConfigCmd(a),
	)
	return rootCmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			data, err := cfg.TOML()
			if err != nil {
				return err
			}
			if cfg.File != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# read from %s\n", cfg.File)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
