// Package gmail adapts the Gmail API to the pipeline's mailbox
// contract.
package gmail

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-triage/internal/mail"
)

const (
	user          = "me"
	unreadLabel   = "UNREAD"
	retryAttempts = 2
	retryBackoff  = 500 * time.Millisecond
)

// Adapter implements mail.Source for Gmail.
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter over an authenticated HTTP client.
func New(ctx context.Context, httpClient *http.Client) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// ListUnread returns ids of up to max unread messages.
func (a *Adapter) ListUnread(ctx context.Context, max int64) ([]string, error) {
	var resp *gmail.ListMessagesResponse
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		resp, err = a.svc.Users.Messages.List(user).
			LabelIds(unreadLabel).
			MaxResults(max).
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// Get fetches the full message and normalizes it.
func (a *Adapter) Get(ctx context.Context, id string) (*mail.Message, error) {
	var msg *gmail.Message
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		msg, err = a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return normalize(msg), nil
}

// MarkRead clears the unread marker.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		_, err := a.svc.Users.Messages.Modify(user, id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{unreadLabel},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("marking message %s read: %w", id, err)
	}
	return nil
}

// AddLabel attaches a label without touching the message's other
// labels.
func (a *Adapter) AddLabel(ctx context.Context, id, labelID string) error {
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		_, err := a.svc.Users.Messages.Modify(user, id, &gmail.ModifyMessageRequest{
			AddLabelIds: []string{labelID},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("adding label to message %s: %w", id, err)
	}
	return nil
}

// ListLabels returns every label in the mailbox.
func (a *Adapter) ListLabels(ctx context.Context) ([]mail.Label, error) {
	var resp *gmail.ListLabelsResponse
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		resp, err = a.svc.Users.Labels.List(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}

	labels := make([]mail.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, mail.Label{ID: l.Id, Name: l.Name})
	}
	return labels, nil
}

// CreateLabel creates a user label.
func (a *Adapter) CreateLabel(ctx context.Context, name string) (mail.Label, error) {
	var created *gmail.Label
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		created, err = a.svc.Users.Labels.Create(user, &gmail.Label{Name: name}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return mail.Label{}, fmt.Errorf("creating label %q: %w", name, err)
	}
	return mail.Label{ID: created.Id, Name: created.Name}, nil
}

// normalize converts a Gmail message into the provider-neutral form.
// Only the first occurrence of a header is kept, matching how the
// extractor looks headers up.
func normalize(m *gmail.Message) *mail.Message {
	headers := make(map[string]string)
	var payload mail.Part
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			if _, ok := headers[kv.Name]; !ok {
				headers[kv.Name] = kv.Value
			}
		}
		payload = normalizePart(m.Payload)
	}

	return &mail.Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Headers:      headers,
		Payload:      payload,
		LabelIDs:     m.LabelIds,
		InternalDate: m.InternalDate,
	}
}

func normalizePart(p *gmail.MessagePart) mail.Part {
	part := mail.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, normalizePart(child))
	}
	return part
}
