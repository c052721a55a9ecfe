package mail

import "time"

// Part is one node of a message's MIME payload tree. Body data is kept
// in the provider's base64url encoding until the extractor decodes it.
type Part struct {
	MimeType string
	Filename string
	Data     string
	Parts    []Part
}

// Message is a provider-neutral raw message as fetched from the
// mailbox. It only lives for the duration of one pipeline pass.
type Message struct {
	ID           string
	ThreadID     string
	Headers      map[string]string
	Payload      Part
	LabelIDs     []string
	InternalDate int64 // ms since epoch, server timestamp
}

// Header returns the named header value, or def when absent or empty.
func (m *Message) Header(name, def string) string {
	if v, ok := m.Headers[name]; ok && v != "" {
		return v
	}
	return def
}

// Label is a remote mailbox label. Name comparison is case-insensitive;
// the remote id is the only stable identity.
type Label struct {
	ID   string
	Name string
}

// Section is the mailbox's own coarse categorization of a message,
// derived from its system label ids. Distinct from the classifier's
// Category.
type Section string

const (
	SectionPrimary    Section = "Primary"
	SectionSocial     Section = "Social"
	SectionPromotions Section = "Promotions"
	SectionUpdates    Section = "Updates"
	SectionForums     Section = "Forums"
)

// sectionLabels maps system label ids to sections in priority order.
var sectionLabels = []struct {
	labelID string
	section Section
}{
	{"CATEGORY_SOCIAL", SectionSocial},
	{"CATEGORY_PROMOTIONS", SectionPromotions},
	{"CATEGORY_UPDATES", SectionUpdates},
	{"CATEGORY_FORUMS", SectionForums},
}

// SectionFromLabelIDs resolves a message's section from its label ids.
// First match wins in the order Social > Promotions > Updates > Forums;
// anything else is Primary.
func SectionFromLabelIDs(labelIDs []string) Section {
	has := make(map[string]bool, len(labelIDs))
	for _, id := range labelIDs {
		has[id] = true
	}
	for _, sl := range sectionLabels {
		if has[sl.labelID] {
			return sl.section
		}
	}
	return SectionPrimary
}

// Record is the structured result of processing one message. Once
// persisted it is immutable history.
type Record struct {
	FromName        string
	FromAddress     string
	ToAddress       string
	CcAddress       string
	BccAddress      string
	Forwarded       bool
	Subject         string
	Body            string
	Section         Section
	HasAttachment   bool
	AttachmentNames []string
	Date            time.Time
	ProcessingTime  time.Duration
	Category        string
}
