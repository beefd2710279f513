package ingest

import (
	"encoding/json"
	"testing"
)

func TestRawMessageAliases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want RawMessage
	}{
		{
			name: "canonical names",
			in:   `{"messageId":"m-1","conversationId":"c-1","subject":"Hi","from":"a@x.com","to":["b@y.com"],"cc":["c@z.com"],"sentAt":"2025-03-01T10:00:00Z","snippet":"preview"}`,
			want: RawMessage{
				MessageID: "m-1", ConversationID: "c-1", Subject: "Hi",
				Sender: "a@x.com", Recipients: []string{"b@y.com"}, Cc: []string{"c@z.com"},
				SentRaw: "2025-03-01T10:00:00Z", Snippet: "preview",
			},
		},
		{
			name: "snake_case and alternates",
			in:   `{"message_id":"m-2","thread_id":"c-2","title":"Alt","sender":"a@x.com","recipients":["b@y.com"],"date":"2025-03-02","bodyPreview":"alt preview"}`,
			want: RawMessage{
				MessageID: "m-2", ConversationID: "c-2", Subject: "Alt",
				Sender: "a@x.com", Recipients: []string{"b@y.com"},
				SentRaw: "2025-03-02", Snippet: "alt preview",
			},
		},
		{
			name: "epoch timestamp as number",
			in:   `{"id":"m-3","from":"a@x.com","timestamp":1740823200}`,
			want: RawMessage{MessageID: "m-3", Sender: "a@x.com", SentRaw: "1740823200"},
		},
		{
			name: "comma separated recipients string",
			in:   `{"id":"m-4","to":"a@x.com, b@y.com"}`,
			want: RawMessage{MessageID: "m-4", Recipients: []string{"a@x.com", "b@y.com"}},
		},
		{
			name: "priority order prefers first alias",
			in:   `{"sentAt":"2025-03-01T10:00:00Z","date":"1999-01-01","messageId":"m-5"}`,
			want: RawMessage{MessageID: "m-5", SentRaw: "2025-03-01T10:00:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RawMessage
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.MessageID != tt.want.MessageID ||
				got.ConversationID != tt.want.ConversationID ||
				got.Subject != tt.want.Subject ||
				got.Sender != tt.want.Sender ||
				got.SentRaw != tt.want.SentRaw ||
				got.Snippet != tt.want.Snippet {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if len(got.Recipients) != len(tt.want.Recipients) {
				t.Fatalf("Recipients = %v, want %v", got.Recipients, tt.want.Recipients)
			}
			for i := range tt.want.Recipients {
				if got.Recipients[i] != tt.want.Recipients[i] {
					t.Errorf("Recipients[%d] = %q, want %q", i, got.Recipients[i], tt.want.Recipients[i])
				}
			}
		})
	}
}

func TestRawMessageBatchDecode(t *testing.T) {
	batch := `[{"messageId":"m-1","from":"a@x.com"},{"message_id":"m-2","sender":"b@y.com"}]`
	var msgs []RawMessage
	if err := json.Unmarshal([]byte(batch), &msgs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(msgs) != 2 || msgs[0].MessageID != "m-1" || msgs[1].MessageID != "m-2" {
		t.Errorf("batch = %+v", msgs)
	}
}
