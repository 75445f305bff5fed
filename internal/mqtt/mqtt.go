package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"devicetracker-server/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// FeedMessage is one value published to a telemetry feed.
type FeedMessage struct {
	Topic string
	Feed  string
	Value string
}

// FeedSubscriber is implemented by anything that delivers feed messages.
// The service only needs to attach a handler.
type FeedSubscriber interface {
	SetMessageHandler(handler func(msg FeedMessage) error)
}

type Subscriber struct {
	client    mqtt.Client
	cfg       config.Config
	topic     string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
	// subscribed is set after the first successful subscribe so that
	// reconnects restore the subscription.
	subscribed bool

	stopCh   chan struct{}
	stopOnce sync.Once

	handlerMu sync.RWMutex
	handler   func(msg FeedMessage) error
}

// SetMessageHandler replaces the handler called for every feed message.
func (s *Subscriber) SetMessageHandler(handler func(msg FeedMessage) error) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

// FeedTopic is the wildcard topic for every feed of account.
func FeedTopic(account string) string {
	return account + "/feeds/+"
}

// NewSubscriber configures a paho client for the telemetry broker. It does not
// connect; call Connect.
func NewSubscriber(cfg config.Config, logger *slog.Logger) (*Subscriber, error) {
	if cfg.MQTTBroker == "" {
		return nil, errors.New("mqtt broker is not configured")
	}
	s := &Subscriber{
		cfg:    cfg,
		topic:  FeedTopic(cfg.TelemetryAccount),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	// Adafruit IO authenticates with the account name and the API key
	opts.SetUsername(cfg.TelemetryAccount)
	if cfg.TelemetryAPIKey != "" {
		opts.SetPassword(cfg.TelemetryAPIKey)
	}

	// Session settings
	opts.SetCleanSession(true)
	// Handlers trigger HTTP fetches; run them off the client's router goroutine.
	opts.SetOrderMatters(false)

	// Reconnect forever with backoff
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive and timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Connection callbacks track state and restore the subscription
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)

		s.mu.RLock()
		resubscribe := s.subscribed
		s.mu.RUnlock()
		if resubscribe {
			// Paho callbacks must not block on tokens.
			go func() {
				if err := s.subscribe(); err != nil {
					logger.Error("mqtt resubscribe failed", "topic", s.topic, "error", err)
				}
			}()
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Connect establishes the broker connection and subscribes to the feed topic.
func (s *Subscriber) Connect(ctx context.Context) error {
	// Refuse to start after Disconnect.
	select {
	case <-s.stopCh:
		return errors.New("subscriber stopped")
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	// Wait for the CONNACK while watching ctx and the stop channel.

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			break
		}

		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return errors.New("subscriber stopped")
		default:
		}
	}

	if err := s.subscribe(); err != nil {
		s.client.Disconnect(0)
		return fmt.Errorf("subscribe: %w", err)
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()

	return nil
}

func (s *Subscriber) subscribe() error {
	if !s.IsConnected() {
		return errors.New("mqtt client not connected")
	}

	qos := byte(0) // at most once
	token := s.client.Subscribe(s.topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", s.topic, token.Error())
	}

	s.logger.Info("subscribed to mqtt topic", "topic", s.topic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	// Only feed topics carry device updates
	feed, err := ParseFeedTopic(topic)
	if err != nil {
		s.logger.Warn("ignoring mqtt message", "topic", topic, "error", err)
		return
	}

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	msg := FeedMessage{Topic: topic, Feed: feed, Value: string(payload)}
	if err := handler(msg); err != nil {
		s.logger.Error("message handler failed", "topic", topic, "feed", feed, "error", err)
		return
	}
	s.logger.Debug("processed feed message", "feed", feed)
}

// ParseFeedTopic extracts the feed key from "{account}/feeds/{feed}" or the
// short form "{account}/f/{feed}". A trailing "/json" or "/csv" suffix is
// accepted.
func ParseFeedTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	if parts[1] != "feeds" && parts[1] != "f" {
		return "", fmt.Errorf("topic %q is not a feed topic", topic)
	}
	if len(parts) == 4 && parts[3] != "json" && parts[3] != "csv" {
		return "", fmt.Errorf("unexpected topic suffix in %q", topic)
	}
	feed := parts[2]
	if feed == "" || feed == "+" || feed == "#" {
		return "", fmt.Errorf("topic %q has no feed key", topic)
	}
	return feed, nil
}

// IsConnected reports whether the broker connection is up.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection. It is safe to
// call more than once.
func (s *Subscriber) Disconnect() {
	// Unblock any Connect still waiting.
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.topic)
		token.WaitTimeout(2 * time.Second)
	}

	if s.client != nil {
		s.client.Disconnect(250)
	}

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
