package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/transport"
)

func (c *cli) dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage dead-lettered messages",
	}
	cmd.AddCommand(c.dlqCountCmd())
	cmd.AddCommand(c.dlqListCmd())
	cmd.AddCommand(c.dlqReplayCmd())
	cmd.AddCommand(c.dlqPurgeCmd())
	return cmd
}

func (c *cli) withDLQ(cmd *cobra.Command, fn func(dlq transport.DLQManager, qm transport.QueueManager) error) error {
	return c.withTransport(cmd, func(conf *configpkg.Config, qm transport.QueueManager) error {
		dlq, ok := qm.(transport.DLQManager)
		if !ok {
			return fmt.Errorf("transport %q does not manage dead letters", conf.PubSubSystem)
		}
		return fn(dlq, qm)
	})
}

func (c *cli) dlqCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count <queue>",
		Short: "Print the number of dead letters of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDLQ(cmd, func(dlq transport.DLQManager, _ transport.QueueManager) error {
				n, err := dlq.GetDLQCount(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d dead letters\n", args[0], n)
				return nil
			})
		},
	}
}

func (c *cli) dlqListCmd() *cobra.Command {
	var (
		limit  int
		offset int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List dead letters of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDLQ(cmd, func(_ transport.DLQManager, qm transport.QueueManager) error {
				lister, ok := qm.(transport.DLQLister)
				if !ok {
					return fmt.Errorf("transport cannot list dead letters")
				}
				msgs, err := lister.ListDLQMessages(args[0], limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					data, err := jsoncodec.MarshalIndent(msgs, "", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					return nil
				}
				if len(msgs) == 0 {
					fmt.Fprintln(out, "No dead letters.")
					return nil
				}
				fmt.Fprintf(out, "%-8s %-28s %-10s %-20s %s\n", "ID", "Message ID", "Attempts", "Failed At", "Error")
				for _, m := range msgs {
					fmt.Fprintf(out, "%-8d %-28s %-10d %-20s %s\n",
						m.ID, m.MessageID, m.DeliveryCount, m.FailedAt.Local().Format(time.DateTime), truncate(m.ErrorMessage, 60))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of messages")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of messages to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print messages as JSON")
	return cmd
}

func (c *cli) dlqReplayCmd() *cobra.Command {
	var all string
	cmd := &cobra.Command{
		Use:   "replay [dlq-id]",
		Short: "Move dead letters back to their original queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (all == "") == (len(args) == 0) {
				return fmt.Errorf("pass either a dlq id or --all <queue>")
			}
			return c.withDLQ(cmd, func(dlq transport.DLQManager, _ transport.QueueManager) error {
				out := cmd.OutOrStdout()
				if all != "" {
					n, err := dlq.ReplayAllDLQ(all)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "✓ replayed %d messages to %s\n", n, all)
					return nil
				}
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid dlq id %q: %w", args[0], err)
				}
				if err := dlq.ReplayDLQMessage(id); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ replayed dead letter %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&all, "all", "", "Replay every dead letter of this queue")
	return cmd
}

func (c *cli) dlqPurgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete every dead letter of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge %s without --yes", args[0])
			}
			return c.withDLQ(cmd, func(dlq transport.DLQManager, _ transport.QueueManager) error {
				n, err := dlq.PurgeDLQ(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ purged %d dead letters from %s\n", n, args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
