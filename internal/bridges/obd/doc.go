// Package obd acquires vehicle telemetry from an ELM327-compatible OBD-II
// adapter and publishes it as flat JSON records.
//
// The pieces, leaf first:
//
//   - Normalizer converts unit-tagged readings into the integer schema.
//   - Resolver maps logical sensor names onto the adapter's command catalog.
//   - ELM327 speaks the adapter's text protocol over a serial port.
//   - Connection owns the link lifecycle and turns every failure into an
//     absent reading.
//   - Loop polls on a fixed period and hands non-empty records to a
//     Publisher.
//
// # Usage
//
//	dialer := obd.SerialDialer{Port: "/dev/ttyUSB0", Baud: 38400, Timeout: 5 * time.Second}
//	conn := obd.NewConnection(dialer, obd.ConnectionConfig{}, m)
//	defer conn.Close()
//
//	loop := obd.NewLoop(conn, obd.NewResolver(obd.DefaultCatalog(), nil),
//	    obd.NewMQTTPublisher(mqttClient), obd.LoopConfig{}, m)
//	loop.Run(ctx)
//
// # Failure Handling
//
// Nothing in the loop returns errors to its caller. Missing PIDs, timeouts
// and "NO DATA" replies leave the link up and the field absent. I/O errors
// close the link; the next cycle reconnects once the retry delay has passed.
// A cycle that panics is recovered and the loop carries on after a short
// backoff.
package obd
