package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rendis/hookflow/pkg/schema"
)

// DefaultSubject is where failure events are published.
const DefaultSubject = "hookflow.executions.failed"

// Publisher is the slice of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes failures as JSON events for downstream alerting.
type NATS struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject}
}

// DialNATS connects to url and returns a notifier owning the connection.
func DialNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("hookflow-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATS(nc, subject)
	n.conn = nc
	return n, nil
}

// Notify implements Notifier.
func (n *NATS) Notify(_ context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error {
	data, err := json.Marshal(NewFailure(workflowID, runErr, rec))
	if err != nil {
		return fmt.Errorf("marshal failure event: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish failure event: %w", err)
	}
	return nil
}

// Close drains and closes an owned connection.
func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}
