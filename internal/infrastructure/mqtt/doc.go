// Package mqtt provides the MQTT transport for OBD telemetry.
//
// This package manages:
//   - Lazy, non-blocking connection with paho's connect-retry and auto-reconnect
//   - Message publishing that fails fast while offline
//   - Topic subscriptions, restored on every reconnect
//   - Channel-based delivery for sequential consumers (SubscribeChan)
//   - Last Will and Testament (LWT) presence under <root>/status/<client_id>
//
// # Architecture
//
//	publisher (vehicle) → broker → ingestor (server)
//
// The publisher calls EnsureConnected every cycle and drops records while
// offline. The ingestor ranges over the channel returned by SubscribeChan, so
// message handling is sequential and never re-entrant.
//
// # Security Considerations
//
// The default broker is public. Anything published is readable by anyone who
// knows the topic, and anything received may be forged. Consumers must treat
// payloads as untrusted input.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT, "ingestor")
//	msgs, err := client.SubscribeChan(cfg.MQTT.SubscribeTopic, 0, cfg.MQTT.QueueSize)
//	if err != nil {
//	    return err
//	}
//	client.EnsureConnected()
//	defer client.Close()
//
//	for msg := range msgs {
//	    handle(msg.Topic, msg.Payload)
//	}
package mqtt
