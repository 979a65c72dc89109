package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/westernx/sgcache/internal/config"
	"github.com/westernx/sgcache/internal/control"
	"github.com/westernx/sgcache/internal/follower"
	"github.com/westernx/sgcache/internal/scanner"
	"github.com/westernx/sgcache/internal/web"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy, event follower and scanner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(v)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg)
		},
	}
	flags := cmd.Flags()
	flags.Int("port", 8010, "HTTP listen port")
	flags.Bool("watch-events", true, "follow the upstream event log")
	flags.Bool("scan-changes", true, "periodically scan for missed changes")
	bindFlags(v, flags, map[string]string{
		"port":         "port",
		"watch_events": "watch-events",
		"scan_changes": "scan-changes",
	})
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	server := web.New(c, client, logrus.WithField("subsystem", "web"))
	g.Go(func() error {
		return server.Run(ctx, fmt.Sprintf(":%d", cfg.Port))
	})

	if cfg.WatchEvents {
		f := follower.New(c, client, follower.Seed{
			EventID:    cfg.WatchSince,
			AutoLastID: cfg.AutoLastID,
		}, nil)
		loop := control.NewLoop("events", cfg.WatchIdleDelay, f.Iterate)
		sock := control.NewServer(cfg.ControlSocket("events"), nil)
		sock.HandleLoop(loop)
		g.Go(func() error { return loop.Run(ctx) })
		g.Go(func() error { return sock.Run(ctx) })
	}

	if cfg.ScanChanges {
		since, err := cfg.ScanSinceTime()
		if err != nil {
			return err
		}
		sc := scanner.New(c, client, scanner.Options{
			Since:    since,
			Types:    cfg.ScanTypes,
			Projects: cfg.ScanProjects,
		}, nil)
		loop := control.NewLoop("scanner", cfg.ScanInterval, sc.Iterate)
		sock := control.NewServer(cfg.ControlSocket("scanner"), nil)
		sock.HandleLoop(loop)
		g.Go(func() error { return loop.Run(ctx) })
		g.Go(func() error { return sock.Run(ctx) })
	}

	logrus.WithField("port", cfg.Port).Info("sgcache serving")
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
