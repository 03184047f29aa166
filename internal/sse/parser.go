// Package sse reassembles server-sent event streams from arbitrarily
// chunked network reads and decodes the Messages API event payloads.
package sse

import "bytes"

// Event is one dispatched server-sent event.
type Event struct {
	Type string
	Data string
	ID   string
}

// Parser is an incremental SSE parser. It keeps the trailing incomplete
// line between Feed calls and buffers raw bytes, so a multi-byte UTF-8
// sequence split across two reads is only decoded once its line is complete.
// A Parser is not safe for concurrent use.
type Parser struct {
	buf    []byte
	skipLF bool // previous line ended in '\r'; a leading '\n' belongs to it

	typ     string
	data    bytes.Buffer
	id      string
	hasData bool
	fields  bool
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes the next fragment and returns the events it completed.
func (p *Parser) Feed(fragment []byte) []Event {
	p.buf = append(p.buf, fragment...)

	var out []Event
	start := 0
	for i := 0; i < len(p.buf); i++ {
		c := p.buf[i]
		if p.skipLF {
			p.skipLF = false
			if c == '\n' && i == start {
				start = i + 1
				continue
			}
		}
		if c != '\n' && c != '\r' {
			continue
		}
		if ev, ok := p.line(p.buf[start:i]); ok {
			out = append(out, ev)
		}
		if c == '\r' {
			p.skipLF = true
		}
		start = i + 1
	}

	// Compact the unterminated tail to the front of the buffer.
	n := copy(p.buf, p.buf[start:])
	p.buf = p.buf[:n]
	return out
}

// Flush force-dispatches any buffered but unterminated record. Call it once
// at end of stream; the parser is reset afterwards.
func (p *Parser) Flush() []Event {
	var out []Event
	if len(p.buf) > 0 {
		if ev, ok := p.line(p.buf); ok {
			out = append(out, ev)
		}
		p.buf = p.buf[:0]
	}
	if p.fields {
		out = append(out, p.dispatch())
	}
	p.skipLF = false
	return out
}

// Reset discards all buffered state.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.skipLF = false
	p.clear()
}

// line processes one complete line. A blank line dispatches the pending record.
func (p *Parser) line(l []byte) (Event, bool) {
	if len(l) == 0 {
		if !p.fields {
			return Event{}, false
		}
		return p.dispatch(), true
	}
	if l[0] == ':' {
		return Event{}, false
	}

	field, value := l, []byte(nil)
	if i := bytes.IndexByte(l, ':'); i >= 0 {
		field, value = l[:i], l[i+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
	}

	switch string(field) {
	case "event":
		p.typ = string(value)
	case "data":
		if p.hasData {
			p.data.WriteByte('\n')
		}
		p.data.Write(value)
		p.hasData = true
	case "id":
		p.id = string(value)
	default:
		return Event{}, false
	}
	p.fields = true
	return Event{}, false
}

func (p *Parser) dispatch() Event {
	ev := Event{Type: p.typ, Data: p.data.String(), ID: p.id}
	p.clear()
	return ev
}

func (p *Parser) clear() {
	p.typ = ""
	p.id = ""
	p.data.Reset()
	p.hasData = false
	p.fields = false
}
