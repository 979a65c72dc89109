package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/westernx/sgcache/internal/cache"
	"github.com/westernx/sgcache/internal/config"
	"github.com/westernx/sgcache/internal/logging"
	"github.com/westernx/sgcache/internal/schema"
	"github.com/westernx/sgcache/internal/shotgun"
)

func newRootCmd() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "sgcache",
		Short:         "Site-local caching proxy for the project-tracking API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("data-root", "./var", "directory for the database, schema and sockets")
	flags.String("sqlite", "", "database path (default {data-root}/cache.sqlite)")
	flags.String("schema", "", "schema description path (default {data-root}/schema.yml)")
	flags.String("shotgun-url", "", "upstream server URL")
	flags.String("shotgun-script-name", "", "upstream script credentials")
	flags.String("shotgun-api-key", "", "upstream script key")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-file", "", "also log to this rotated file")

	for _, binding := range [][2]string{
		{"data_root", "data-root"},
		{"sqlite", "sqlite"},
		{"schema", "schema"},
		{"shotgun_url", "shotgun-url"},
		{"shotgun_script_name", "shotgun-script-name"},
		{"shotgun_api_key", "shotgun-api-key"},
		{"log_level", "log-level"},
		{"log_file", "log-file"},
	} {
		if err := v.BindPFlag(binding[0], flags.Lookup(binding[1])); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newServeCmd(v),
		newScanCmd(v),
		newEventsCmd(v),
		newCtrlCmd(v),
	)
	return root
}

// bindFlags wires command flags into viper keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) {
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// setup resolves configuration and applies logging for one command.
func setup(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openCache loads the schema description and opens the database.
func openCache(ctx context.Context, cfg *config.Config) (*cache.Cache, error) {
	sch, err := schema.Load(cfg.Schema)
	if err != nil {
		return nil, err
	}
	return cache.Open(ctx, cfg.Sqlite, sch, logrus.WithField("subsystem", "cache"))
}

func newClient(cfg *config.Config) (*shotgun.Client, error) {
	baseURL, err := shotgun.ParseBaseURL(cfg.ShotgunURL)
	if err != nil {
		return nil, err
	}
	return shotgun.NewClient(baseURL, cfg.ShotgunScriptName, cfg.ShotgunAPIKey), nil
}
