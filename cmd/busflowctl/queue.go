package main

import (
	"fmt"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/transport"
)

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending <queue>",
		Short: "Print the number of messages waiting in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withTransport(cmd, func(conf *configpkg.Config, qm transport.QueueManager) error {
				introspector, ok := qm.(transport.QueueIntrospector)
				if !ok {
					return fmt.Errorf("transport %q does not report queue depth", conf.PubSubSystem)
				}
				n, err := introspector.GetPendingCount(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending\n", args[0], n)
				return nil
			})
		},
	})
	return cmd
}
