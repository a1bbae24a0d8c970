package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/jobstore"
)

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher announces terminal jobs on <prefix>.jobs.completed and
// <prefix>.jobs.failed.
type Publisher struct {
	logger *zap.Logger
	conn   Conn
	prefix string
}

// NewPublisher creates a Publisher.
func NewPublisher(logger *zap.Logger, conn Conn, prefix string) *Publisher {
	return &Publisher{logger: logger, conn: conn, prefix: prefix}
}

// Subject returns the event subject for a job in status.
func (p *Publisher) Subject(status jobstore.Status) string {
	if status == jobstore.StatusFailed {
		return p.prefix + ".jobs.failed"
	}
	return p.prefix + ".jobs.completed"
}

// PublishJob publishes a terminal job snapshot.
func (p *Publisher) PublishJob(_ context.Context, job jobstore.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s, not terminal", job.ID, job.Status)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	subject := p.Subject(job.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish job %s on %s: %w", job.ID, subject, err)
	}
	p.logger.Debug("job event published", zap.String("job_id", job.ID), zap.String("subject", subject))
	return nil
}

// Connect dials the configured NATS server. It returns a nil connection when
// NATS is disabled.
func Connect(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("codejudge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.NATS.URL, err)
	}
	logger.Info("connected to nats", zap.String("url", cfg.NATS.URL))
	return nc, nil
}
