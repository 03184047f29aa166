package stream

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"thinkwatch/internal/logging"
	"thinkwatch/internal/sse"

	"github.com/google/uuid"
)

// SourceID identifies the connection a notification arrived on.
type SourceID uint64

// Options configures a Tracker.
type Options struct {
	MinChunkSize  int           // flush when the buffer reaches this many characters
	FlushInterval time.Duration // flush after this much inactivity
	Now           func() time.Time
}

// Tracker holds at most one active StreamSession and buffers reasoning text
// into chunks. Only the connection that opened the active session may mutate
// it. The listener is invoked while the tracker lock is held, so outputs are
// observed in order; it must not call back into the tracker.
type Tracker struct {
	mu       sync.Mutex
	opts     Options
	listener func(Output)

	session *StreamSession
	owner   SourceID
	buf     strings.Builder

	timer *time.Timer
	gen   uint64
}

// NewTracker creates a tracker that reports to listener.
func NewTracker(opts Options, listener func(Output)) *Tracker {
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 1500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if listener == nil {
		listener = func(Output) {}
	}
	return &Tracker{opts: opts, listener: listener}
}

// Handle applies one notification received from source.
func (t *Tracker) Handle(source SourceID, n sse.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if start, ok := n.(sse.MessageStart); ok {
		t.startLocked(source, start)
		return
	}
	if t.session == nil || source != t.owner {
		logging.StreamDebug("Ignoring %T from source %d (owner %d)", n, source, t.owner)
		return
	}

	switch v := n.(type) {
	case sse.ContentDelta:
		if v.Kind == sse.DeltaReasoning {
			t.appendLocked(v.Text)
			return
		}
		t.flushLocked()
		t.listener(ResponseText{SessionID: t.session.SessionID, Text: v.Text})
	case sse.BlockStop:
		t.flushLocked()
	case sse.Usage:
		t.listener(UsageUpdated{SessionID: t.session.SessionID, InputTokens: v.InputTokens, OutputTokens: v.OutputTokens})
	case sse.MessageStop:
		t.endLocked("message_stop")
	case sse.StreamError:
		logging.StreamWarn("Upstream stream error in session %s: %s %s", t.session.SessionID, v.Type, v.Message)
		t.endLocked("stream_error")
	}
}

// SourceClosed ends the active session if source owns it. Called when a
// response body finishes without a message_stop.
func (t *Tracker) SourceClosed(source SourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil && t.owner == source {
		t.endLocked("connection_closed")
	}
}

// Active returns a copy of the active session, if any.
func (t *Tracker) Active() (StreamSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return StreamSession{}, false
	}
	s := *t.session
	s.Chunks = append([]string(nil), t.session.Chunks...)
	return s, true
}

// Reset drops the active session and any unflushed text without emitting.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	t.buf.Reset()
	t.session = nil
	t.owner = 0
}

func (t *Tracker) startLocked(source SourceID, start sse.MessageStart) {
	if t.session != nil {
		t.endLocked("superseded")
	}
	id := start.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	t.session = &StreamSession{
		SessionID: id,
		ModelName: start.Model,
		StartedAt: t.opts.Now(),
	}
	t.owner = source
	logging.Stream("Session started: %s (model=%s, source=%d)", id, start.Model, source)
	t.listener(SessionStarted{Session: *t.session})
	if start.InputTokens > 0 {
		t.listener(UsageUpdated{SessionID: id, InputTokens: start.InputTokens})
	}
}

func (t *Tracker) endLocked(reason string) {
	t.flushLocked()
	s := *t.session
	s.IsComplete = true
	duration := t.opts.Now().Sub(s.StartedAt)
	logging.Stream("Session ended: %s (%s, %d chunks, %v)", s.SessionID, reason, len(s.Chunks), duration)
	t.listener(SessionEnded{Session: s, Duration: duration, ChunkCount: len(s.Chunks), Reason: reason})
	t.session = nil
	t.owner = 0
}

func (t *Tracker) appendLocked(text string) {
	if text == "" {
		return
	}
	t.buf.WriteString(text)
	if utf8.RuneCountInString(t.buf.String()) >= t.opts.MinChunkSize {
		t.flushLocked()
		return
	}
	t.armTimerLocked()
}

func (t *Tracker) flushLocked() {
	t.stopTimerLocked()
	if t.buf.Len() == 0 || t.session == nil {
		t.buf.Reset()
		return
	}
	content := t.buf.String()
	t.buf.Reset()

	chunk := ReasoningChunk{
		ID:        uuid.NewString(),
		Content:   content,
		SessionID: t.session.SessionID,
		ModelName: t.session.ModelName,
		CreatedAt: t.opts.Now(),
	}
	t.session.Chunks = append(t.session.Chunks, content)
	logging.StreamDebug("Chunk flushed: session=%s len=%d", chunk.SessionID, len(content))
	t.listener(ChunkEmitted{Chunk: chunk})
}

func (t *Tracker) armTimerLocked() {
	t.stopTimerLocked()
	gen := t.gen
	t.timer = time.AfterFunc(t.opts.FlushInterval, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen {
			return
		}
		t.flushLocked()
	})
}

// stopTimerLocked cancels the pending flush. Bumping gen also invalidates a
// callback that already fired and is waiting for the lock.
func (t *Tracker) stopTimerLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
