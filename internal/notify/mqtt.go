package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/foreman/internal/config"
)

// MQTTSink publishes changelog entries to an MQTT broker.
type MQTTSink struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTSink creates a sink but does not connect. Call Start.
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{cfg: cfg, logger: logger.With("sink", "mqtt")}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) changelogTopic() string {
	return s.cfg.TopicPrefix + "/changelog"
}

func (s *MQTTSink) availabilityTopic() string {
	return s.cfg.TopicPrefix + "/availability"
}

// Start opens the broker connection. autopaho keeps reconnecting in the
// background until ctx is cancelled, so a broker that is down at start
// only produces a warning.
func (s *MQTTSink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := s.availabilityTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Publish implements Sink.
func (s *MQTTSink) Publish(ctx context.Context, payload []byte) error {
	if s.cm == nil {
		return errors.New("mqtt sink not started")
	}
	_, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.changelogTopic(),
		Payload: payload,
		QoS:     1,
	})
	return err
}

// Stop publishes "offline" and disconnects.
func (s *MQTTSink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishAvailability(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

func (s *MQTTSink) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		s.logger.Info("mqtt availability published", "status", status)
	}
}
