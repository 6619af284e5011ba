package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridgateway/pkg/log"
)

// Subscriber feeds a Store from MQTT. Upstream meter and inverter drivers
// publish to <prefix>/<component>/<channel> with either a bare number or a
// JSON object {"value": n} as payload.
type Subscriber struct {
	store    *Store
	broker   string
	prefix   string
	clientID string
}

// Configured registers the MQTT flags. An empty broker disables ingestion.
func Configured(store *Store) *Subscriber {
	s := &Subscriber{store: store}

	broker := lflag.String("mqtt-broker", "", "MQTT broker to read telemetry from (e.g. tcp://127.0.0.1:1883), empty disables")
	prefix := lflag.String("mqtt-topic-prefix", "telemetry", "Topic prefix under which <component>/<channel> values are published")
	clientID := lflag.String("mqtt-client-id", "gridgateway", "MQTT client ID")

	lflag.Do(func() {
		s.broker = *broker
		s.prefix = strings.TrimSuffix(*prefix, "/")
		s.clientID = *clientID
	})
	return s
}

// NewSubscriber creates a Subscriber without flags.
func NewSubscriber(store *Store, broker, prefix, clientID string) *Subscriber {
	return &Subscriber{
		store:    store,
		broker:   broker,
		prefix:   strings.TrimSuffix(prefix, "/"),
		clientID: clientID,
	}
}

// Run connects to the broker and keeps the subscription alive until ctx is
// done.
func (s *Subscriber) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "telemetry")
	if s.broker == "" {
		log.Ctx(ctx).DebugContext(ctx, "mqtt telemetry disabled")
		return nil
	}

	topic := s.prefix + "/#"
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(30 * time.Second).
		SetMaxReconnectInterval(10 * time.Second).
		SetKeepAlive(60 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", s.broker))
		token := c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			s.handleMessage(ctx, msg)
		})
		if token.Wait() && token.Error() != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe", slog.String("topic", topic), slog.Any("error", token.Error()))
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "lost connection to mqtt broker", slog.Any("error", err))
	}

	client := mqtt.NewClient(opts)
	// with connect retry the token only completes once connected
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt broker", slog.String("broker", s.broker), slog.Any("error", err))
		}
	case <-ctx.Done():
	}
	<-ctx.Done()
	client.Disconnect(250)
	return nil
}

func (s *Subscriber) handleMessage(ctx context.Context, msg mqtt.Message) {
	signal, ok := s.signalFromTopic(msg.Topic())
	if !ok {
		log.Ctx(ctx).DebugContext(ctx, "ignoring telemetry topic", slog.String("topic", msg.Topic()))
		return
	}
	if len(bytes.TrimSpace(msg.Payload())) == 0 {
		// an empty retained message clears the topic
		s.store.Delete(signal)
		return
	}
	value, err := parsePayload(msg.Payload())
	if err != nil {
		log.Ctx(ctx).DebugContext(
			ctx,
			"ignoring invalid telemetry payload",
			slog.String("topic", msg.Topic()),
			slog.Any("error", err),
		)
		return
	}
	s.store.Set(signal, value)
}

func (s *Subscriber) signalFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return rest, true
}

func parsePayload(payload []byte) (float64, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var v struct {
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return 0, fmt.Errorf("invalid json payload: %w", err)
		}
		if v.Value == nil {
			return 0, fmt.Errorf("json payload has no value")
		}
		return *v.Value, nil
	}
	f, err := strconv.ParseFloat(string(payload), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric payload: %w", err)
	}
	return f, nil
}
