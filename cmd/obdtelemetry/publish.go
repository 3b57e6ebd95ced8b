package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/obd-telemetry/internal/bridges/obd"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/mqtt"
)

func newPublishCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Poll the OBD adapter and publish readings over MQTT",
		Long: "publish connects to the ELM327 adapter, samples the configured fields once per interval " +
			"and publishes each non-empty record as a JSON object on the MQTT data topic.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			return runPublish(cmd.Context(), cfg, log)
		},
	}
}

// runPublish runs the acquisition loop until ctx is cancelled.
//
// Neither the adapter nor the broker needs to be reachable at startup: the
// loop reconnects both in the background and skips cycles meanwhile.
//
// Returns:
//   - error: nil on clean shutdown, or a startup error
func runPublish(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	fields, err := obd.FieldsFor(cfg.Acquisition.Fields)
	if err != nil {
		return fmt.Errorf("acquisition fields: %w", err)
	}

	m := metrics.New()

	client := mqtt.New(cfg.MQTT, "publisher")
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("mqtt connected", "broker", cfg.MQTT.BrokerURL(), "topic", cfg.MQTT.Topic)
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("mqtt disconnected", "error", err)
	})
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	conn := obd.NewConnection(obd.SerialDialer{
		Port:    cfg.Adapter.Port,
		Baud:    cfg.Adapter.Baud,
		Timeout: cfg.Adapter.QueryTimeout,
		Logger:  log,
	}, obd.ConnectionConfig{
		RetryDelay:   cfg.Adapter.RetryDelay,
		QueryTimeout: cfg.Adapter.QueryTimeout,
	}, m)
	conn.SetLogger(log)
	defer func() {
		log.Info("closing adapter")
		if closeErr := conn.Close(); closeErr != nil {
			log.Error("error closing adapter", "error", closeErr)
		}
	}()

	loop := obd.NewLoop(conn, obd.NewResolver(obd.DefaultCatalog(), nil), obd.NewMQTTPublisher(client), loopConfig(cfg, fields), m)
	loop.SetLogger(log)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv, ln, err := listenMetrics(cfg.Metrics.Address, m)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return serveMetrics(gctx, srv, ln, log)
		})
	}

	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})

	log.Info("publisher started",
		"adapter", cfg.Adapter.Port,
		"interval", cfg.Acquisition.Interval,
		"fields", len(fields),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("publisher stopped")
	return nil
}

// loopConfig maps configuration onto loop settings. The loop treats zero
// retries as "use the default", so an explicit zero is passed as negative.
func loopConfig(cfg *config.Config, fields []obd.Field) obd.LoopConfig {
	retries := cfg.Acquisition.Retries
	if retries == 0 {
		retries = -1
	}
	return obd.LoopConfig{
		Interval:     cfg.Acquisition.Interval,
		ErrorBackoff: cfg.Acquisition.ErrorBackoff,
		Retries:      retries,
		RetryDelay:   cfg.Acquisition.RetryDelay,
		Fields:       fields,
	}
}
