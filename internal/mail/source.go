package mail

import (
	"context"
	"time"
)

// Source is the mailbox a pipeline run reads from and mutates.
// Implementations wrap a remote mail API; every call blocks until the
// remote operation completes.
type Source interface {
	// ListUnread returns ids of up to max unread messages.
	ListUnread(ctx context.Context, max int64) ([]string, error)

	// Get fetches the full message for id.
	Get(ctx context.Context, id string) (*Message, error)

	// MarkRead clears the unread marker on a message.
	MarkRead(ctx context.Context, id string) error

	// AddLabel attaches a label to a message without removing any
	// label the message already carries.
	AddLabel(ctx context.Context, id, labelID string) error

	// ListLabels returns all labels in the mailbox.
	ListLabels(ctx context.Context) ([]Label, error)

	// CreateLabel creates a new label and returns it with its
	// remote id.
	CreateLabel(ctx context.Context, name string) (Label, error)
}

// Retry runs fn up to attempts times, sleeping backoff between tries.
// Used by providers around transient remote calls.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
