package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/westernx/sgcache/internal/control"
	"github.com/westernx/sgcache/internal/follower"
)

func newEventsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the upstream event log in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(v)
			if err != nil {
				return err
			}
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

			f := follower.New(c, client, follower.Seed{
				EventID:    cfg.WatchSince,
				AutoLastID: cfg.AutoLastID,
			}, nil)
			loop := control.NewLoop("events", cfg.WatchIdleDelay, f.Iterate)
			sock := control.NewServer(cfg.ControlSocket("events"), nil)
			sock.HandleLoop(loop)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return loop.Run(ctx) })
			g.Go(func() error { return sock.Run(ctx) })
			err = g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.Int64("since", -1, "start after this event id")
	flags.Bool("auto-last-id", true, "derive the start from the cache's newest event")
	bindFlags(v, flags, map[string]string{
		"watch_since":  "since",
		"auto_last_id": "auto-last-id",
	})
	return cmd
}
