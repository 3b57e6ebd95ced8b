// Package ingest turns transport messages into stored time-series points.
//
// The Consumer pulls messages from a subscription channel one at a time,
// decodes each flat JSON record into one point per integer-coercible field
// and hands the points to a PointSink. The BatchWriter is the production
// sink: it buffers points, writes them to InfluxDB in batches from a single
// worker goroutine and retries failed writes before giving up. Batches it
// gives up on can be kept in a SQLiteDeadLetter for later replay.
//
// Decoding is lenient by contract. A message that is not a JSON object is
// discarded as a whole; a field that cannot be coerced to an integer is
// skipped on its own; a missing or unusable timestamp becomes the receive
// time.
package ingest
