package sse

import "encoding/json"

// Notification is a typed Messages API stream event. The set is closed:
// MessageStart, ContentDelta, BlockStop, Usage, MessageStop and StreamError.
type Notification interface {
	notification()
}

// DeltaKind distinguishes internal reasoning text from user visible text.
type DeltaKind int

const (
	DeltaReasoning DeltaKind = iota
	DeltaResponse
)

func (k DeltaKind) String() string {
	if k == DeltaReasoning {
		return "reasoning"
	}
	return "response"
}

// MessageStart opens a new upstream message.
type MessageStart struct {
	MessageID   string
	Model       string
	InputTokens int
}

// ContentDelta carries a fragment of reasoning or response text.
type ContentDelta struct {
	Kind  DeltaKind
	Index int
	Text  string
}

// BlockStop closes a content block.
type BlockStop struct {
	Index int
}

// Usage is a token count update.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// MessageStop ends the upstream message.
type MessageStop struct{}

// StreamError is an error event sent in-band by the upstream.
type StreamError struct {
	Type    string
	Message string
}

func (MessageStart) notification() {}
func (ContentDelta) notification() {}
func (BlockStop) notification()    {}
func (Usage) notification()        {}
func (MessageStop) notification()  {}
func (StreamError) notification()  {}

type payload struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *usage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type     string `json:"type"`
		Thinking string `json:"thinking"`
		Text     string `json:"text"`
	} `json:"delta"`
	Usage *usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Decode maps an event to a typed notification. Events with malformed JSON
// or of no interest (ping, block start, signature deltas) yield false.
func Decode(ev Event) (Notification, bool) {
	if ev.Data == "" {
		return nil, false
	}
	var p payload
	if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
		return nil, false
	}
	typ := p.Type
	if typ == "" {
		typ = ev.Type
	}

	switch typ {
	case "message_start":
		if p.Message == nil {
			return nil, false
		}
		n := MessageStart{MessageID: p.Message.ID, Model: p.Message.Model}
		if p.Message.Usage != nil {
			n.InputTokens = p.Message.Usage.InputTokens
		}
		return n, true
	case "content_block_delta":
		if p.Delta == nil {
			return nil, false
		}
		switch p.Delta.Type {
		case "thinking_delta":
			return ContentDelta{Kind: DeltaReasoning, Index: p.Index, Text: p.Delta.Thinking}, true
		case "text_delta":
			return ContentDelta{Kind: DeltaResponse, Index: p.Index, Text: p.Delta.Text}, true
		}
		return nil, false
	case "content_block_stop":
		return BlockStop{Index: p.Index}, true
	case "message_delta":
		if p.Usage == nil {
			return nil, false
		}
		return Usage{InputTokens: p.Usage.InputTokens, OutputTokens: p.Usage.OutputTokens}, true
	case "message_stop":
		return MessageStop{}, true
	case "error":
		if p.Error == nil {
			return StreamError{}, true
		}
		return StreamError{Type: p.Error.Type, Message: p.Error.Message}, true
	}
	return nil, false
}

// Reassembler couples a Parser with Decode for one response body.
type Reassembler struct {
	parser *Parser
}

// NewReassembler creates a reassembler for one stream.
func NewReassembler() *Reassembler {
	return &Reassembler{parser: NewParser()}
}

// Feed parses fragment and returns the notifications it completed.
func (r *Reassembler) Feed(fragment []byte) []Notification {
	return decodeAll(r.parser.Feed(fragment))
}

// Close flushes the trailing record at end of stream.
func (r *Reassembler) Close() []Notification {
	return decodeAll(r.parser.Flush())
}

func decodeAll(events []Event) []Notification {
	var out []Notification
	for _, ev := range events {
		if n, ok := Decode(ev); ok {
			out = append(out, n)
		}
	}
	return out
}
