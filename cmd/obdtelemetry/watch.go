package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/obd-telemetry/internal/ingest"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		topic string
		count int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print MQTT telemetry messages as they arrive",
		Long:  "watch subscribes to the telemetry topic and pretty-prints every message. Nothing is stored.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if topic == "" {
				topic = cfg.MQTT.SubscribeTopic
			}
			return runWatch(cmd.Context(), cfg, log, topic, count, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic filter to subscribe to (default mqtt.subscribe_topic)")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages; 0 runs until interrupted")
	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, log *logging.Logger, topic string, count int, out io.Writer) error {
	if topic == "" {
		return fmt.Errorf("watch topic: %w", mqtt.ErrInvalidTopic)
	}

	client := mqtt.New(cfg.MQTT, "watch")
	client.SetLogger(log)
	defer client.Close()

	msgs, err := client.SubscribeChan(topic, byte(cfg.MQTT.QoS), cfg.MQTT.QueueSize) // #nosec G115 -- qos validated 0..2
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	_ = client.EnsureConnected()

	return printMessages(ctx, msgs, count, out)
}

// printMessages writes each message until ctx is done, msgs closes or
// count messages have been printed.
func printMessages(ctx context.Context, msgs <-chan mqtt.Message, count int, out io.Writer) error {
	for n := 0; count <= 0 || n < count; n++ {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			received := m.Received
			if received.IsZero() {
				received = time.Now()
			}
			if _, err := fmt.Fprintf(out, "%s %s\n%s\n", received.Format(time.RFC3339Nano), m.Topic, ingest.Indent(m.Payload)); err != nil {
				return err
			}
		}
	}
	return nil
}
