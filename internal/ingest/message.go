package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RawMessage is one message record as delivered by the search provider.
// Providers disagree on field names, so decoding resolves each attribute
// through a priority-ordered alias list rather than scattering conditionals
// through the engine.
type RawMessage struct {
	MessageID      string
	ConversationID string
	Subject        string
	Sender         string
	Recipients     []string
	Cc             []string
	SentRaw        string
	Snippet        string
}

var (
	messageIDAliases      = []string{"messageId", "message_id", "id"}
	conversationIDAliases = []string{"conversationId", "conversation_id", "threadId", "thread_id"}
	subjectAliases        = []string{"subject", "title"}
	senderAliases         = []string{"from", "sender", "fromAddress"}
	recipientAliases      = []string{"to", "recipients", "toRecipients"}
	ccAliases             = []string{"cc", "ccRecipients", "cc_list"}
	sentAliases           = []string{"sentAt", "sent_at", "date", "timestamp", "internalDate", "receivedAt"}
	snippetAliases        = []string{"snippet", "preview", "bodyPreview", "summary"}
)

// UnmarshalJSON resolves provider field aliases into canonical attributes.
func (m *RawMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	m.MessageID = firstString(fields, messageIDAliases)
	m.ConversationID = firstString(fields, conversationIDAliases)
	m.Subject = firstString(fields, subjectAliases)
	m.Sender = firstString(fields, senderAliases)
	m.Recipients = firstStringList(fields, recipientAliases)
	m.Cc = firstStringList(fields, ccAliases)
	m.SentRaw = firstString(fields, sentAliases)
	m.Snippet = firstString(fields, snippetAliases)
	return nil
}

// firstString returns the first alias present with a usable scalar value.
// Numbers are stringified so epoch timestamps survive the trip.
func firstString(fields map[string]json.RawMessage, aliases []string) string {
	for _, key := range aliases {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			// Reject floats; only integral epochs are meaningful here.
			if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
				return n.String()
			}
		}
	}
	return ""
}

// firstStringList returns the first alias present with a non-empty address
// list. A bare string value is split on commas for providers that send
// "a@x.com, b@y.com" instead of an array.
func firstStringList(fields map[string]json.RawMessage, aliases []string) []string {
	for _, key := range aliases {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			return list
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			parts := strings.Split(s, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts
		}
	}
	return nil
}
