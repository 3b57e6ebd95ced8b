// Package influxdb provides InfluxDB v2 storage for OBD telemetry points.
//
// It wraps the official influxdb-client-go v2 library with the storage
// layout the rest of the system relies on: measurement "obd", one tag "key"
// naming the field and one integer field "v" holding its value.
//
// # Usage
//
//	client, err := influxdb.New(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.WritePoints(ctx, []telemetry.Point{
//	    telemetry.NewPoint("engine_temp_c", 95, time.Unix(1000, 0)),
//	})
//
//	keys, err := client.Keys(ctx, 24*time.Hour)
//	series, err := client.Series(ctx, keys, start, end)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Writes are blocking and return ErrWriteFailed on any rejection, leaving
// retry decisions to the caller. Series keys are validated before they are
// placed in a Flux query; invalid keys yield ErrInvalidKey.
package influxdb
