package sse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want Notification
		ok   bool
	}{
		{
			name: "message start",
			ev:   Event{Data: `{"type":"message_start","message":{"id":"msg_1","model":"m","usage":{"input_tokens":5}}}`},
			want: MessageStart{MessageID: "msg_1", Model: "m", InputTokens: 5},
			ok:   true,
		},
		{
			name: "thinking delta",
			ev:   Event{Data: `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`},
			want: ContentDelta{Kind: DeltaReasoning, Text: "hmm"},
			ok:   true,
		},
		{
			name: "text delta",
			ev:   Event{Data: `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"hi"}}`},
			want: ContentDelta{Kind: DeltaResponse, Index: 1, Text: "hi"},
			ok:   true,
		},
		{
			name: "signature delta ignored",
			ev:   Event{Data: `{"type":"content_block_delta","delta":{"type":"signature_delta"}}`},
		},
		{
			name: "block stop",
			ev:   Event{Data: `{"type":"content_block_stop","index":2}`},
			want: BlockStop{Index: 2},
			ok:   true,
		},
		{
			name: "usage",
			ev:   Event{Data: `{"type":"message_delta","usage":{"output_tokens":40}}`},
			want: Usage{OutputTokens: 40},
			ok:   true,
		},
		{
			name: "message stop via event type",
			ev:   Event{Type: "message_stop", Data: `{}`},
			want: MessageStop{},
			ok:   true,
		},
		{
			name: "error",
			ev:   Event{Data: `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`},
			want: StreamError{Type: "overloaded_error", Message: "busy"},
			ok:   true,
		},
		{name: "ping", ev: Event{Data: `{"type":"ping"}`}},
		{name: "malformed", ev: Event{Data: `{"type":"message_start",`}},
		{name: "empty", ev: Event{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.ev)
			assert.Equal(t, tt.ok, ok)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReassemblerDropsMalformed(t *testing.T) {
	r := NewReassembler()
	got := r.Feed([]byte("data: {not json}\n\ndata: {\"type\":\"message_stop\"}\n\n"))
	assert.Equal(t, []Notification{MessageStop{}}, got)
	assert.Empty(t, r.Close())
}
