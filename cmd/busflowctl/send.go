package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

type sendOptions struct {
	bodyType      string
	body          string
	correlationID string
	replyTo       string
	properties    map[string]string
}

func (c *cli) sendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send <queue>",
		Short: "Send a raw JSON message to a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.message()
			if err != nil {
				return err
			}
			queue := args[0]
			return c.withTransport(cmd, func(_ *configpkg.Config, qm transport.QueueManager) error {
				sender, err := qm.CreateSender(cmd.Context(), queue)
				if err != nil {
					return err
				}
				defer sender.Close()
				if err := sender.SendBatch(cmd.Context(), []*transport.Message{msg}); err != nil {
					return fmt.Errorf("send to %s: %w", queue, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ sent %s to %s (%s)\n", msg.MessageID, queue, msg.BodyTypeName)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.bodyType, "type", "t", "", "Body type name, e.g. orders.PlaceOrder")
	cmd.Flags().StringVarP(&opts.body, "body", "b", "{}", "JSON body")
	cmd.Flags().StringVar(&opts.correlationID, "correlation-id", "", "Correlation id (defaults to the message id)")
	cmd.Flags().StringVar(&opts.replyTo, "reply-to", "", "Reply queue for request messages")
	cmd.Flags().StringToStringVarP(&opts.properties, "property", "p", nil, "Extra message property key=value")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (o sendOptions) message() (*transport.Message, error) {
	if o.bodyType == "" {
		return nil, errors.New("--type is required")
	}
	if !jsoncodec.Valid([]byte(o.body)) {
		return nil, fmt.Errorf("--body is not valid JSON: %q", o.body)
	}
	id := ids.NewID()
	msg := &transport.Message{
		MessageID:     id,
		CorrelationID: o.correlationID,
		BodyTypeName:  o.bodyType,
		Body:          []byte(o.body),
		ReplyTo:       o.replyTo,
		Properties:    metadatapkg.Metadata{},
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = id
	}
	for k, v := range o.properties {
		msg.Properties[k] = v
	}
	return msg, nil
}
