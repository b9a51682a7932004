package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nugget/foreman/internal/config"
)

// NATSSink publishes changelog entries to a NATS subject.
type NATSSink struct {
	cfg    config.NATSConfig
	logger *slog.Logger
	nc     *nats.Conn
}

// NewNATSSink creates a sink but does not connect. Call Start.
func NewNATSSink(cfg config.NATSConfig, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{cfg: cfg, logger: logger.With("sink", "nats")}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) subject() string {
	return s.cfg.SubjectPrefix + ".changelog"
}

// Start connects to the server. Reconnects are handled by the client.
func (s *NATSSink) Start(_ context.Context) error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("foreman"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	s.nc = nc
	s.logger.Info("nats connected", "url", nc.ConnectedUrl())
	return nil
}

// Publish implements Sink. NATS publishes are asynchronous, so ctx is
// only checked before sending.
func (s *NATSSink) Publish(ctx context.Context, payload []byte) error {
	if s.nc == nil {
		return errors.New("nats sink not started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.nc.Publish(s.subject(), payload)
}

// Stop drains pending messages and closes the connection.
func (s *NATSSink) Stop(_ context.Context) error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
