// Package notify publishes turn lifecycle events over MQTT so external
// front-ends (a phone notification bridge, a desktop widget) can react
// to approval requests without polling the HTTP API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A will message
// flips the availability topic to "offline" on unexpected disconnects.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/pkeller/valet-agent/internal/agent"
	"github.com/pkeller/valet-agent/internal/config"
)

// Event is the JSON payload published for every turn event.
type Event struct {
	Type      string         `json:"type"` // approval_required | turn_complete
	SessionID string         `json:"session_id"`
	ActionID  string         `json:"action_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Reply     string         `json:"reply,omitempty"`
	Time      time.Time      `json:"time"`
}

// Publisher connects to an MQTT broker and implements [agent.Notifier].
type Publisher struct {
	cfg    config.NotifyConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.NotifyConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// Start connects to the broker. It returns once the connection manager
// is running; autopaho keeps retrying in the background if the broker
// is unreachable.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("MQTT connected", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("MQTT connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("MQTT initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// ApprovalRequested publishes an approval_required event. Never blocks
// the turn: publish failures are logged and dropped.
func (p *Publisher) ApprovalRequested(req agent.ApprovalRequest) {
	p.publishEvent(Event{
		Type:      "approval_required",
		SessionID: req.SessionID,
		ActionID:  req.ActionID,
		Tool:      req.Tool,
		Args:      req.Args,
		Summary:   req.Summary,
	}, p.eventTopic("approval"))
}

// TurnCompleted publishes a turn_complete event with the final reply.
func (p *Publisher) TurnCompleted(sessionID, reply string) {
	p.publishEvent(Event{
		Type:      "turn_complete",
		SessionID: sessionID,
		Reply:     reply,
	}, p.eventTopic("turn"))
}

func (p *Publisher) publishEvent(ev Event, topic string) {
	if p.cm == nil {
		return
	}
	ev.Time = p.now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Marshal event", "type", ev.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("Event publish failed", "type", ev.Type, "topic", topic, "error", err)
		return
	}
	p.logger.Debug("Event published", "type", ev.Type, "topic", topic)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.Topic + "/availability"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.cfg.Topic + "/" + kind
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("Availability publish failed", "status", status, "error", err)
	}
}
