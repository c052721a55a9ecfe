// Package extract turns raw fetched messages into structured records.
// Everything here is a pure function of its input: malformed payloads
// degrade to placeholder values, never to errors.
package extract

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/Martian-dev/mail-triage/internal/mail"
)

const (
	noSubject     = "(No Subject)"
	unknownSender = "(Unknown Sender)"
)

// fwdSubject matches a whole-word "Fwd" or "FW" followed by a colon.
// Plain substring containment ("fwdx") must not trigger.
var fwdSubject = regexp.MustCompile(`(?i)\b(fwd|fw):`)

// fwdHeaderBlock matches runs of forwarded-message separator lines that
// mail clients prepend to forwarded bodies.
var fwdHeaderBlock = regexp.MustCompile(`(?is)(-----? ?forwarded message ?-----?.*?\n)+`)

// Message builds a record from a raw message. The Category and
// ProcessingTime fields are left for the pipeline to fill in.
func Message(msg *mail.Message) mail.Record {
	rec := mail.Record{
		Subject: msg.Header("Subject", noSubject),
		Section: mail.SectionFromLabelIDs(msg.LabelIDs),
		Date:    time.UnixMilli(msg.InternalDate).UTC(),
	}

	rec.FromName, rec.FromAddress = ParseAddress(msg.Header("From", unknownSender))
	_, rec.ToAddress = ParseAddress(msg.Header("To", ""))
	_, rec.CcAddress = ParseAddress(msg.Header("Cc", ""))
	_, rec.BccAddress = ParseAddress(msg.Header("Bcc", ""))

	rec.Forwarded = fwdSubject.MatchString(rec.Subject)
	rec.Body = Body(msg.Payload)

	for _, part := range msg.Payload.Parts {
		if part.Filename != "" {
			rec.HasAttachment = true
			rec.AttachmentNames = append(rec.AttachmentNames, part.Filename)
		}
	}

	return rec
}

// ParseAddress splits "Display Name <address>" into a trimmed name
// (surrounding quotes stripped) and the address. Input without angle
// brackets is treated entirely as the address with an empty name.
func ParseAddress(full string) (name, address string) {
	open := strings.LastIndex(full, "<")
	end := strings.LastIndex(full, ">")
	if open < 0 || end < open {
		return "", strings.TrimSpace(full)
	}
	name = strings.TrimSpace(full[:open])
	name = strings.Trim(name, `"`)
	address = strings.TrimSpace(full[open+1 : end])
	return name, address
}

// Body extracts the message body: a single inline body if present,
// otherwise the first plain-text part in order. Absent both, empty.
// Leading forwarded-message separator blocks are stripped.
func Body(payload mail.Part) string {
	var body string
	switch {
	case payload.Data != "":
		body = decode(payload.Data)
	default:
		for _, part := range payload.Parts {
			if part.MimeType == "text/plain" && part.Data != "" {
				body = decode(part.Data)
				break
			}
		}
	}
	return fwdHeaderBlock.ReplaceAllString(body, "")
}

// decode turns base64url body data into text. Invalid byte sequences
// are replaced with U+FFFD rather than dropped, so the result stays
// valid UTF-8 and the caller never sees an error. Undecodable input
// yields the empty string.
func decode(data string) string {
	raw, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return strings.ToValidUTF8(string(raw), "�")
}
