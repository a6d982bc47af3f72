// Package event publishes job lifecycle events and bridges deliveries to the
// chat layer over NATS.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mediafetch/internal/domain"
)

// Publisher emits job state changes.
type Publisher interface {
	PublishJob(ctx context.Context, job domain.JobSnapshot) error
	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

func (noop) PublishJob(ctx context.Context, job domain.JobSnapshot) error { return nil }
func (noop) Close() error                                                 { return nil }

// NewNoopPublisher returns a Publisher that drops every event.
func NewNoopPublisher() Publisher { return noop{} }

// Envelope wraps every published event.
type Envelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload"`
}

// JobEvent is the wire form of a job snapshot.
type JobEvent struct {
	ID               string     `json:"id"`
	UserID           int64      `json:"user_id"`
	URL              string     `json:"url"`
	Platform         string     `json:"platform,omitempty"`
	State            string     `json:"state"`
	Fingerprint      string     `json:"fingerprint,omitempty"`
	Title            string     `json:"title,omitempty"`
	BytesTransferred int64      `json:"bytes_transferred"`
	TotalBytes       int64      `json:"total_bytes"`
	FileRef          string     `json:"file_ref,omitempty"`
	FromCache        bool       `json:"from_cache"`
	FailureKind      string     `json:"failure_kind,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func jobEvent(job domain.JobSnapshot) JobEvent {
	return JobEvent{
		ID:               job.ID,
		UserID:           job.UserID,
		URL:              job.URL,
		Platform:         string(job.Platform),
		State:            string(job.State),
		Fingerprint:      job.Fingerprint,
		Title:            job.Title,
		BytesTransferred: job.BytesTransferred,
		TotalBytes:       job.TotalBytes,
		FileRef:          job.FileRef,
		FromCache:        job.FromCache,
		FailureKind:      string(job.FailureKind),
		Reason:           job.Reason,
		FinishedAt:       job.FinishedAt,
	}
}

// Connect dials NATS. An empty url returns (nil, nil) so callers can fall
// back to the log-only implementations.
func Connect(url string, logger *logrus.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("mediafetch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

type natsPub struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// NewPublisher publishes job events to the "<prefix>.jobs.<state>" subjects
// of a JetStream stream. It returns a no-op publisher when nc is nil or the
// stream cannot be set up.
func NewPublisher(nc *nats.Conn, prefix string, logger *logrus.Logger) Publisher {
	if nc == nil {
		return noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.WithError(err).Warn("NATS JetStream context creation failed, using noop publisher")
		return noop{}
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      strings.ToUpper(prefix) + "_JOBS",
		Subjects:  []string{prefix + ".jobs.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		logger.WithError(err).Warn("NATS stream initialization failed, using noop publisher")
		return noop{}
	}
	return &natsPub{nc: nc, js: js, prefix: prefix}
}

func (p *natsPub) PublishJob(ctx context.Context, job domain.JobSnapshot) error {
	subject := fmt.Sprintf("%s.jobs.%s", p.prefix, job.State)
	b, err := json.Marshal(Envelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Payload:       jobEvent(job),
	})
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(subject, b, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close is a no-op; the connection is owned by the caller of Connect.
func (p *natsPub) Close() error { return nil }
