package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the telemetry transport.
//
// It provides lazy connection management, message publishing, subscription
// handling, and automatic reconnection with exponential backoff. Reconnect
// policy is owned entirely by paho; callers only ask for a connection and
// check whether one exists.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig
	topics  Topics

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// sinks are channel subscriptions closed on Close.
	sinks  []*chanSink
	sinkMu sync.Mutex

	// connected tracks current connection state; started is set once the
	// first connect attempt has been issued.
	connected bool
	started   bool
	connMu    sync.RWMutex

	// Callbacks for connection events (optional, set via SetOnConnect/SetOnDisconnect).
	onConnect    func()
	onDisconnect func(err error)
	onDrop       func(topic string)
	callbackMu   sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked on paho's delivery goroutine and must not block.
// SubscribeChan is the preferred way to consume messages.
type MessageHandler func(topic string, payload []byte) error

// New builds a client without contacting the broker.
//
// The role ("publisher", "ingestor", "watch") is used to derive a unique
// client ID when none is configured, since brokers disconnect the older of
// two sessions sharing an ID.
//
// Parameters:
//   - cfg: MQTT configuration
//   - role: Short process role name
//
// Returns:
//   - *Client: Client ready for Start or EnsureConnected
func New(cfg config.MQTTConfig, role string) *Client {
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = defaultClientID(role)
	}

	opts := buildClientOptions(cfg)
	topics := TopicsFor(cfg.Topic)
	configureLWT(opts, topics, cfg.Broker.ClientID)

	c := &Client{
		cfg:           cfg,
		options:       opts,
		topics:        topics,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Info("mqtt reconnecting", "broker", cfg.BrokerURL())
		}
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect builds a client and waits up to defaultConnectTimeout for the
// first connection.
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if the broker is not reachable in time
func Connect(cfg config.MQTTConfig, role string) (*Client, error) {
	c := New(cfg, role)
	token := c.start()
	if !token.WaitTimeout(defaultConnectTimeout) {
		// Stop paho's background retry loop before giving up on the client.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark connected now so
	// IsConnected is accurate as soon as Connect returns.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// start issues the first connect exactly once. With ConnectRetry enabled
// paho keeps retrying in the background until it succeeds or Close is called.
func (c *Client) start() pahomqtt.Token {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.started {
		return nil
	}
	c.started = true
	return c.client.Connect()
}

// EnsureConnected starts the connection in the background if it has not been
// started yet, and reports whether the client is usable right now.
//
// It never blocks. A nil return means publishes can be attempted.
func (c *Client) EnsureConnected() error {
	if c.IsConnected() {
		return nil
	}
	if token := c.start(); token != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Info("mqtt connecting", "broker", c.cfg.BrokerURL(), "client_id", c.cfg.Broker.ClientID)
		}
	}
	return ErrNotConnected
}

// handleConnect is called when the connection is established.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Info("mqtt connected", "broker", c.cfg.BrokerURL(), "client_id", c.cfg.Broker.ClientID)
	}

	c.restoreSubscriptions()
	c.publishOnlineStatus()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions subscribes to every tracked topic. It runs on each
// (re)connect, which also covers subscriptions registered while offline.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// Errors surface on the next reconnect; nothing useful to do here.
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishOnlineStatus publishes this client's retained online status.
func (c *Client) publishOnlineStatus() {
	topic := c.topics.Status(c.cfg.Broker.ClientID)
	payload := buildOnlinePayload(c.cfg.Broker.ClientID)
	c.client.Publish(topic, byte(c.cfg.QoS), true, payload)
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Publishes graceful offline status (different from LWT crash status)
//  2. Disconnects with a quiesce period for pending operations
//  3. Closes every channel returned by SubscribeChan
//
// Returns:
//   - error: Always nil; a connection that is already closed is not an error
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		topic := c.topics.Status(c.cfg.Broker.ClientID)
		payload := buildOfflinePayload(c.cfg.Broker.ClientID)
		token := c.client.Publish(topic, byte(c.cfg.QoS), true, payload)
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.sinkMu.Lock()
	sinks := c.sinks
	c.sinks = nil
	c.sinkMu.Unlock()
	for _, s := range sinks {
		s.close()
	}

	return nil
}

// HealthCheck reports whether the broker connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// ClientID returns the effective client ID, including a generated one.
func (c *Client) ClientID() string {
	return c.cfg.Broker.ClientID
}

// Topics returns the topic builder derived from the configured data topic.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetOnDrop sets a callback invoked when a channel subscription discards a
// message because its buffer is full.
func (c *Client) SetOnDrop(callback func(topic string)) {
	c.callbackMu.Lock()
	c.onDrop = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}

// defaultClientID returns "obdtelemetry-<role>-<8 hex chars>".
func defaultClientID(role string) string {
	if role == "" {
		role = "client"
	}
	return fmt.Sprintf("obdtelemetry-%s-%s", role, uuid.NewString()[:8])
}
