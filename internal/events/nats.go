package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// NATSPublisher publishes events as JSON to <subject>.<type>.
type NATSPublisher struct {
	conn    Conn
	subject string
	logger  *zap.Logger
}

func NewNATSPublisher(conn Conn, subject string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// DialNATS connects to url and returns a publisher on subject.
func DialNATS(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("labgoat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSPublisher(nc, subject, logger), nil
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := p.subject + "." + string(e.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Debug("NATS publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.conn.Flush()
	p.conn.Close()
	return err
}
