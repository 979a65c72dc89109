package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/westernx/sgcache/internal/control"
)

func newCtrlCmd(v *viper.Viper) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ctrl {events|scanner} {ping|start|stop|poll}",
		Short: "Send a command to a running loop's control socket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(v)
			if err != nil {
				return err
			}
			client, err := control.Dial(cfg.ControlSocket(args[0]))
			if err != nil {
				return err
			}
			defer client.Close()

			if wait {
				timeout = 0
			}
			reply, err := client.Call(control.Message{"type": args[1]}, timeout)
			if err != nil {
				return err
			}
			if reply.Type() == "error" {
				return fmt.Errorf("%v", reply["message"])
			}
			out, err := json.Marshal(reply)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the reply without a timeout")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "reply timeout")
	return cmd
}
