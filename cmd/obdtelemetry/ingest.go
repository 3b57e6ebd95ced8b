package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/obd-telemetry/internal/api"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/database"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/influxdb"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/obd-telemetry/internal/ingest"
)

// startupCheckTimeout bounds the initial storage health probe.
const startupCheckTimeout = 5 * time.Second

func newIngestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Consume MQTT telemetry, store it in InfluxDB and serve the query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			return runIngest(cmd.Context(), cfg, log)
		},
	}
}

// runIngest runs the ingestion pipeline until ctx is cancelled.
//
// Shutdown order is the reverse of setup: the API stops first, the batch
// writer flushes what it holds, then the dead-letter store, the broker
// connection and the storage client are closed.
//
// Returns:
//   - error: nil on clean shutdown, or a startup error
func runIngest(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	m := metrics.New()

	// Storage. Unreachable at startup is not fatal: the writer retries.
	influx, err := influxdb.New(cfg.InfluxDB)
	if err != nil {
		return fmt.Errorf("creating InfluxDB client: %w", err)
	}
	defer func() {
		log.Info("closing InfluxDB")
		if closeErr := influx.Close(); closeErr != nil {
			log.Error("error closing InfluxDB", "error", closeErr)
		}
	}()
	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	if checkErr := influx.HealthCheck(checkCtx); checkErr != nil {
		log.Warn("InfluxDB not reachable yet, writes will be retried", "url", cfg.InfluxDB.URL, "error", checkErr)
	} else {
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}
	cancel()

	// Broker.
	client := mqtt.New(cfg.MQTT, "ingestor")
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("mqtt connected", "broker", cfg.MQTT.BrokerURL(), "subscribe", cfg.MQTT.SubscribeTopic)
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("mqtt disconnected", "error", err)
	})
	client.SetOnDrop(func(topic string) {
		m.MessageDropped()
		log.Debug("inbound queue full, message dropped", "topic", topic)
	})
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	// Dead-letter store (optional).
	var dl *ingest.SQLiteDeadLetter
	if cfg.DeadLetter.Enabled {
		dl, err = ingest.OpenSQLiteDeadLetter(ctx, deadLetterDBConfig(cfg), cfg.DeadLetter.MaxRows)
		if err != nil {
			return fmt.Errorf("opening dead-letter store: %w", err)
		}
		defer func() {
			log.Info("closing dead-letter store")
			if closeErr := dl.Close(); closeErr != nil {
				log.Error("error closing dead-letter store", "error", closeErr)
			}
		}()
		log.Info("dead-letter store ready", "path", cfg.DeadLetter.Path, "max_rows", cfg.DeadLetter.MaxRows)
	}

	writer := ingest.NewBatchWriter(influx, batchConfig(cfg), m)
	writer.SetLogger(log)
	if dl != nil {
		writer.SetDeadLetter(dl)
	}
	defer func() {
		log.Info("flushing batch writer", "buffered", writer.Buffered())
		if closeErr := writer.Close(); closeErr != nil {
			log.Error("error flushing batch writer", "error", closeErr)
		}
	}()

	consumer := ingest.NewConsumer(writer, m)
	consumer.SetLogger(log)
	consumer.SetSkip(client.Topics().IsStatus)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		srv, srvErr := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log,
			Store:   influx,
			Metrics: m,
			Checks: map[string]api.HealthChecker{
				"mqtt":     client,
				"influxdb": influx,
			},
			Version: version,
		})
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		consumer.SetBroadcaster(srv.Hub())
	} else if cfg.Metrics.Enabled {
		msrv, ln, listenErr := listenMetrics(cfg.Metrics.Address, m)
		if listenErr != nil {
			return listenErr
		}
		g.Go(func() error {
			return serveMetrics(gctx, msrv, ln, log)
		})
	}

	msgs, err := client.SubscribeChan(cfg.MQTT.SubscribeTopic, byte(cfg.MQTT.QoS), cfg.MQTT.QueueSize) // #nosec G115 -- qos validated 0..2
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", cfg.MQTT.SubscribeTopic, err)
	}
	_ = client.EnsureConnected() // connects in the background

	g.Go(func() error {
		consumer.Run(gctx, msgs)
		return nil
	})

	log.Info("ingestor started",
		"subscribe", cfg.MQTT.SubscribeTopic,
		"bucket", cfg.InfluxDB.Bucket,
		"api", cfg.API.Enabled,
		"dead_letter", cfg.DeadLetter.Enabled,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("ingestor stopping")
	return nil
}

func batchConfig(cfg *config.Config) ingest.BatchConfig {
	return ingest.BatchConfig{
		BatchSize:         cfg.Ingest.BatchSize,
		FlushInterval:     cfg.Ingest.FlushInterval,
		RetryInterval:     cfg.Ingest.RetryInterval,
		MaxRetries:        cfg.Ingest.MaxRetries,
		MaxBufferedPoints: cfg.Ingest.MaxBufferedPoints,
	}
}

func deadLetterDBConfig(cfg *config.Config) database.Config {
	return database.Config{
		Path:        cfg.DeadLetter.Path,
		WALMode:     cfg.DeadLetter.WALMode,
		BusyTimeout: time.Duration(cfg.DeadLetter.BusyTimeout) * time.Second,
	}
}
