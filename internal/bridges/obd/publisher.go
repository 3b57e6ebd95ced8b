package obd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// DataClient is the transport used by MQTTPublisher. *mqtt.Client
// satisfies it.
type DataClient interface {
	EnsureConnected() error
	PublishData(payload []byte) error
}

// MQTTPublisher publishes records as flat JSON objects on the data topic.
type MQTTPublisher struct {
	client DataClient
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher wraps client.
func NewMQTTPublisher(client DataClient) *MQTTPublisher {
	return &MQTTPublisher{client: client}
}

// EnsureConnected starts a background connect if the client is offline.
func (p *MQTTPublisher) EnsureConnected() error {
	return p.client.EnsureConnected()
}

// Publish encodes rec and sends it without retry.
func (p *MQTTPublisher) Publish(ctx context.Context, rec telemetry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return p.client.PublishData(payload)
}
