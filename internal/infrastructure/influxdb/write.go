package influxdb

import (
	"context"
	"fmt"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// Storage layout: one point per field, tag "key" holds the field name and
// the single integer field "v" holds the value.
const (
	tagKey   = "key"
	fieldKey = "v"
)

// WritePoints writes a batch in a single request.
//
// The call blocks until the server acknowledges or the request fails. An
// empty batch is a no-op.
//
// Parameters:
//   - ctx: Context for cancellation
//   - points: Points to write; Measurement defaults to "obd" when empty
//
// Returns:
//   - error: ErrNotConnected after Close, or ErrWriteFailed wrapping the server error
func (c *Client) WritePoints(ctx context.Context, points []telemetry.Point) error {
	if len(points) == 0 {
		return nil
	}
	if !c.isOpen() {
		return ErrNotConnected
	}

	batch := make([]*write.Point, 0, len(points))
	for _, p := range points {
		batch = append(batch, toWritePoint(p))
	}

	if err := c.writeAPI.WritePoint(ctx, batch...); err != nil {
		return fmt.Errorf("%w: %d points: %w", ErrWriteFailed, len(points), err)
	}
	return nil
}

// toWritePoint converts a telemetry point to the client library's point type.
func toWritePoint(p telemetry.Point) *write.Point {
	measurement := p.Measurement
	if measurement == "" {
		measurement = telemetry.Measurement
	}
	return write.NewPoint(
		measurement,
		map[string]string{tagKey: p.Key},
		map[string]interface{}{fieldKey: p.Value},
		p.Time,
	)
}
