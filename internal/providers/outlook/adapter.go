// Package outlook adapts Microsoft Graph mail to the pipeline's
// mailbox contract. Outlook categories play the role of labels; a
// category's display name doubles as its id because Graph attaches
// categories to messages by name.
package outlook

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mail-triage/internal/mail"
)

const (
	retryAttempts = 2
	retryBackoff  = 500 * time.Millisecond
)

// Adapter implements mail.Source for Outlook/Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter for the given user with a bearer
// access token.
func New(ctx context.Context, accessToken, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("creating Graph client: %w", err)
	}
	return &Adapter{client: client, userID: userID}, nil
}

// ListUnread returns ids of up to max unread messages.
func (a *Adapter) ListUnread(ctx context.Context, max int64) ([]string, error) {
	top := int32(max)
	filter := "isRead eq false"
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Filter: &filter,
			Select: []string{"id"},
		},
	}

	var result models.MessageCollectionResponseable
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		result, err = a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}

	var ids []string
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

// Get fetches the full message, its headers, and attachment names.
func (a *Adapter) Get(ctx context.Context, id string) (*mail.Message, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{
				"id", "conversationId", "subject", "from", "toRecipients",
				"ccRecipients", "bccRecipients", "body", "categories",
				"hasAttachments", "receivedDateTime", "internetMessageHeaders",
			},
		},
	}

	var msg models.Messageable
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		msg, err = a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, requestConfig)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	normalized := a.normalize(msg)

	if has := msg.GetHasAttachments(); has != nil && *has {
		names, err := a.attachmentNames(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			normalized.Payload.Parts = append(normalized.Payload.Parts, mail.Part{
				MimeType: "application/octet-stream",
				Filename: name,
			})
		}
	}
	return normalized, nil
}

// MarkRead flips the message's isRead flag.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	read := true
	patch := models.NewMessage()
	patch.SetIsRead(&read)

	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		_, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Patch(ctx, patch, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("marking message %s read: %w", id, err)
	}
	return nil
}

// AddLabel appends a category to the message, keeping the categories
// it already carries.
func (a *Adapter) AddLabel(ctx context.Context, id, labelID string) error {
	current, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("reading categories of message %s: %w", id, err)
	}

	categories := current.GetCategories()
	for _, c := range categories {
		if strings.EqualFold(c, labelID) {
			return nil
		}
	}
	categories = append(categories, labelID)

	patch := models.NewMessage()
	patch.SetCategories(categories)

	err = mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		_, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Patch(ctx, patch, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("adding category to message %s: %w", id, err)
	}
	return nil
}

// ListLabels returns the user's master category list.
func (a *Adapter) ListLabels(ctx context.Context) ([]mail.Label, error) {
	var result models.OutlookCategoryCollectionResponseable
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		result, err = a.client.Users().ByUserId(a.userID).Outlook().MasterCategories().Get(ctx, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}

	var labels []mail.Label
	for _, c := range result.GetValue() {
		if name := c.GetDisplayName(); name != nil {
			labels = append(labels, mail.Label{ID: *name, Name: *name})
		}
	}
	return labels, nil
}

// CreateLabel adds a master category.
func (a *Adapter) CreateLabel(ctx context.Context, name string) (mail.Label, error) {
	category := models.NewOutlookCategory()
	category.SetDisplayName(&name)

	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		_, err := a.client.Users().ByUserId(a.userID).Outlook().MasterCategories().Post(ctx, category, nil)
		return err
	})
	if err != nil {
		return mail.Label{}, fmt.Errorf("creating category %q: %w", name, err)
	}
	return mail.Label{ID: name, Name: name}, nil
}

func (a *Adapter) attachmentNames(ctx context.Context, id string) ([]string, error) {
	var result models.AttachmentCollectionResponseable
	err := mail.Retry(ctx, retryAttempts, retryBackoff, func() error {
		var err error
		result, err = a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Attachments().Get(ctx, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing attachments of message %s: %w", id, err)
	}

	var names []string
	for _, att := range result.GetValue() {
		if name := att.GetName(); name != nil {
			names = append(names, *name)
		}
	}
	return names, nil
}

// normalize converts a Graph message into the provider-neutral form.
// The body is re-encoded as a base64url part so the extractor sees the
// same payload shape it gets from Gmail.
func (a *Adapter) normalize(m models.Messageable) *mail.Message {
	msg := &mail.Message{Headers: make(map[string]string)}

	if id := m.GetId(); id != nil {
		msg.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if headers := m.GetInternetMessageHeaders(); headers != nil {
		for _, h := range headers {
			if name, value := h.GetName(), h.GetValue(); name != nil && value != nil {
				if _, ok := msg.Headers[*name]; !ok {
					msg.Headers[*name] = *value
				}
			}
		}
	}
	// Graph exposes parsed fields even when raw headers are absent.
	if subject := m.GetSubject(); subject != nil {
		setMissing(msg.Headers, "Subject", *subject)
	}
	if from := m.GetFrom(); from != nil {
		setMissing(msg.Headers, "From", recipientString(from))
	}
	if to := m.GetToRecipients(); len(to) > 0 {
		setMissing(msg.Headers, "To", recipientString(to[0]))
	}
	if cc := m.GetCcRecipients(); len(cc) > 0 {
		setMissing(msg.Headers, "Cc", recipientString(cc[0]))
	}
	if bcc := m.GetBccRecipients(); len(bcc) > 0 {
		setMissing(msg.Headers, "Bcc", recipientString(bcc[0]))
	}

	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			mimeType := "text/plain"
			if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
				mimeType = "text/html"
			}
			msg.Payload = mail.Part{
				MimeType: "multipart/mixed",
				Parts: []mail.Part{{
					MimeType: mimeType,
					Data:     base64.URLEncoding.EncodeToString([]byte(*content)),
				}},
			}
		}
	}

	msg.LabelIDs = m.GetCategories()

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.InternalDate = rcvd.UnixMilli()
	}
	return msg
}

func setMissing(headers map[string]string, key, value string) {
	if _, ok := headers[key]; !ok {
		headers[key] = value
	}
}

// recipientString renders a Graph recipient as "Name <address>".
func recipientString(r models.Recipientable) string {
	addr := r.GetEmailAddress()
	if addr == nil {
		return ""
	}
	var name, address string
	if n := addr.GetName(); n != nil {
		name = *n
	}
	if a := addr.GetAddress(); a != nil {
		address = *a
	}
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

// staticTokenCredential satisfies the Azure credential interface with
// a pre-fetched access token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
