// Package events publishes processed-message events to NATS JetStream.
// Publishing is best-effort observability: failures are retried through
// the journal outbox and never affect the pipeline itself.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-triage/internal/journal"
)

const (
	// StreamName is the JetStream stream receiving triage events.
	StreamName = "MAIL_EVENTS"

	// SubjectProcessed is published once per processed message.
	SubjectProcessed = "mail.triage.processed"
)

// Publisher wraps a JetStream connection.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the MAIL_EVENTS stream if it does not exist.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

// Publish sends one event with MsgId-based deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	return err
}

// Close closes the underlying connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// DispatchOutbox drains the journal outbox into NATS until ctx is
// cancelled. Failed publishes are rescheduled with backoff.
func DispatchOutbox(ctx context.Context, store *journal.Store, pub *Publisher, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Error("dequeuing outbox", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if len(messages) == 0 {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Warn("publishing event",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				_ = store.MarkRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := store.MarkPublished(ctx, msg.ID); err != nil {
				log.Error("marking event published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
