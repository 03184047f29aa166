package sse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":12}}}` + "\n\n" +
	": keepalive comment\n\n" +
	"event: content_block_delta\r\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"vou fazer só a parte principal"}}` + "\r\n\r\n" +
	"event: content_block_delta\r" +
	`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Olá, ção"}}` + "\r\r" +
	"id: 7\nretry: 100\ndata: line one\ndata: line two\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n" +
	"data: trailing without terminator"

func parseAll(chunks ...[]byte) []Event {
	p := NewParser()
	var out []Event
	for _, c := range chunks {
		out = append(out, p.Feed(c)...)
	}
	return append(out, p.Flush()...)
}

func TestParserEvents(t *testing.T) {
	events := parseAll([]byte(sampleStream))
	require.Len(t, events, 6)

	assert.Equal(t, "message_start", events[0].Type)
	assert.Equal(t, "content_block_delta", events[1].Type)
	assert.Contains(t, events[2].Data, "Olá, ção")
	assert.Equal(t, Event{Data: "line one\nline two", ID: "7"}, events[3])
	assert.Equal(t, "message_stop", events[4].Type)
	assert.Equal(t, Event{Data: "trailing without terminator"}, events[5])
}

func TestParserChunkBoundaryIndependence(t *testing.T) {
	raw := []byte(sampleStream)
	want := parseAll(raw)

	for i := 0; i <= len(raw); i++ {
		got := parseAll(raw[:i], raw[i:])
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("split at %d differs (-want +got):\n%s", i, diff)
		}
	}

	for i := 0; i < len(raw); i++ {
		for j := i; j <= len(raw); j += 7 {
			got := parseAll(raw[:i], raw[i:j], raw[j:])
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("split at %d,%d differs (-want +got):\n%s", i, j, diff)
			}
		}
	}
}

func TestParserByteAtATime(t *testing.T) {
	raw := []byte(sampleStream)
	chunks := make([][]byte, len(raw))
	for i := range raw {
		chunks[i] = raw[i : i+1]
	}
	if diff := cmp.Diff(parseAll(raw), parseAll(chunks...), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("byte-at-a-time differs (-want +got):\n%s", diff)
	}
}

func TestParserSplitUTF8(t *testing.T) {
	line := []byte("data: só\n\n")
	// "ó" is two bytes; split between them.
	idx := 7
	require.Equal(t, byte(0xc3), line[idx])

	p := NewParser()
	assert.Empty(t, p.Feed(line[:idx+1]))
	events := p.Feed(line[idx+1:])
	require.Len(t, events, 1)
	assert.Equal(t, "só", events[0].Data)
}

func TestParserIgnoresUnknownFieldsAndComments(t *testing.T) {
	events := parseAll([]byte(":only a comment\n\nfoo: bar\n\n"))
	assert.Empty(t, events)
}

func TestParserFieldWithoutColon(t *testing.T) {
	events := parseAll([]byte("data\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].Data)
}

func TestParserReset(t *testing.T) {
	p := NewParser()
	p.Feed([]byte("data: partial"))
	p.Reset()
	assert.Empty(t, p.Flush())
}
