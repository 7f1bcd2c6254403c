package mqtt

import (
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handler receives one message.
type Handler func(topic string, payload []byte)

// Messenger is the subset of the broker connection the agent bridge, the
// monitor and the announcer use.
type Messenger interface {
	Subscribe(topic string, handler Handler) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

// Client wraps the Paho MQTT client for Universalis.
type Client struct {
	client paho.Client
	mu     sync.Mutex

	hookMu    sync.Mutex
	onConnect []func()
}

var _ Messenger = (*Client)(nil)

// BrokerURL returns the MQTT broker URL from env or default.
func BrokerURL() string {
	if url := os.Getenv("MQTT_URL"); url != "" {
		return url
	}
	return "tcp://localhost:1883"
}

// NewClient creates a new MQTT client for broker but does not connect. An
// empty broker uses BrokerURL.
func NewClient(broker, clientID string) *Client {
	if broker == "" {
		broker = BrokerURL()
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false)

	c := &Client{}
	opts.SetOnConnectHandler(func(paho.Client) { c.connected() })
	c.client = paho.NewClient(opts)
	return c
}

// OnConnect registers fn to run after every successful connect, including
// automatic reconnects. Hooks run on their own goroutine.
func (c *Client) OnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.hookMu.Unlock()
}

func (c *Client) connected() {
	c.hookMu.Lock()
	hooks := append([]func(){}, c.onConnect...)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Connect attempts to connect to the broker.
// Returns an error if connection fails, but does not block indefinitely.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return &ConnectTimeoutError{}
	}
	return token.Error()
}

// Subscribe subscribes to a topic (wildcards allowed) with the given handler.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return &SubscribeTimeoutError{Topic: topic}
	}
	return token.Error()
}

// Publish sends payload at QoS 1.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return &PublishTimeoutError{Topic: topic}
	}
	return token.Error()
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct{}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout"
}

// SubscribeTimeoutError indicates subscription timed out.
type SubscribeTimeoutError struct {
	Topic string
}

func (e *SubscribeTimeoutError) Error() string {
	return "mqtt subscribe timeout: " + e.Topic
}

// PublishTimeoutError indicates a publish was not acknowledged in time.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}

// StartWithRetry connects and subscribes each handler, logging errors but
// not crashing. Returns true if connected and every subscription succeeded.
func (c *Client) StartWithRetry(log *zap.Logger, subs map[string]Handler) bool {
	if err := c.Connect(); err != nil {
		log.Warn("mqtt connect failed", zap.String("broker", BrokerURL()), zap.Error(err))
		return false
	}

	ok := true
	for topic, handler := range subs {
		if err := c.Subscribe(topic, handler); err != nil {
			log.Warn("mqtt subscribe failed", zap.String("topic", topic), zap.Error(err))
			ok = false
			continue
		}
		log.Info("mqtt subscribed", zap.String("topic", topic))
	}
	return ok
}
