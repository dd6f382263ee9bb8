package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/bmsinsight/internal/config"
	"github.com/nugget/bmsinsight/internal/jobs"
)

// queueSize bounds events waiting for the broker.
const queueSize = 256

type message struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Publisher manages the MQTT connection and forwards progress events.
// It satisfies progress.Sink.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager

	queue   chan message
	dropped atomic.Int64
}

// New creates a Publisher but does not connect. Events published
// before Start are queued.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if len(instanceID) >= 8 {
		clientID += "-" + instanceID[:8]
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		queue:    make(chan message, queueSize),
	}
}

// Publish queues a progress event for jobID. It never blocks.
func (p *Publisher) Publish(jobID string, ev jobs.ProgressEvent) {
	for _, m := range p.messages(jobID, ev) {
		select {
		case p.queue <- m:
		default:
			if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
				p.logger.Warn("mqtt queue full, dropping progress events", "dropped", n)
			}
		}
	}
}

// Dropped returns how many messages were discarded because the queue
// was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// messages maps an event to its MQTT messages: every event goes to the
// job's progress topic, and status events also update the retained
// status topic.
func (p *Publisher) messages(jobID string, ev jobs.ProgressEvent) []message {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal progress event", "job_id", jobID, "error", err)
		return nil
	}
	out := []message{{topic: p.progressTopic(jobID), payload: payload}}
	if ev.Type == jobs.EventStatus {
		out = append(out, message{topic: p.statusTopic(jobID), payload: payload, qos: 1, retain: true})
	}
	return out
}

// Start connects to the broker and forwards queued events until ctx
// is cancelled.
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
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
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

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) progressTopic(jobID string) string {
	return p.cfg.TopicPrefix + "/jobs/" + jobID + "/progress"
}

func (p *Publisher) statusTopic(jobID string) string {
	return p.cfg.TopicPrefix + "/jobs/" + jobID + "/status"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.queue:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.cm.Publish(pubCtx, &paho.Publish{
				Topic:   m.topic,
				Payload: m.payload,
				QoS:     m.qos,
				Retain:  m.retain,
			})
			cancel()
			if err != nil {
				p.logger.Debug("mqtt progress publish failed", "topic", m.topic, "error", err)
			}
		}
	}
}
