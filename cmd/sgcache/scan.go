package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/westernx/sgcache/internal/scanner"
)

func newScanCmd(v *viper.Viper) *cobra.Command {
	var (
		full  bool
		since string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan of the upstream and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := openCache(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			watermark := time.Time{}
			if !full {
				switch {
				case since != "":
					watermark, err = time.Parse(time.RFC3339, since)
					if err != nil {
						return fmt.Errorf("--since: %w", err)
					}
				default:
					// Without a watermark an incremental scan means
					// "since the cache last heard anything".
					if last, ok, lerr := c.LastUpdatedAt(ctx); lerr != nil {
						return lerr
					} else if ok {
						watermark = last
					}
				}
			}

			sc := scanner.New(c, client, scanner.Options{
				Since:    watermark,
				Types:    cfg.ScanTypes,
				Projects: cfg.ScanProjects,
			}, nil)
			return sc.Scan(ctx, watermark)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&full, "full", false, "scan everything regardless of watermarks")
	flags.StringVar(&since, "since", "", "scan changes since this RFC3339 time")
	flags.StringSlice("types", nil, "limit to these entity types")
	flags.Int64Slice("projects", nil, "limit to these project ids")
	bindFlags(v, flags, map[string]string{
		"scan_types":    "types",
		"scan_projects": "projects",
	})
	return cmd
}
