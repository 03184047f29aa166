// Package stream turns decoded SSE notifications into reasoning chunks and
// session lifecycle events.
package stream

import "time"

// ReasoningChunk is an immutable fragment of the agent's reasoning text.
type ReasoningChunk struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SessionID string    `json:"sessionId"`
	ModelName string    `json:"modelName"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreamSession is one upstream message being tracked.
type StreamSession struct {
	SessionID  string    `json:"sessionId"`
	ModelName  string    `json:"modelName"`
	StartedAt  time.Time `json:"startedAt"`
	Chunks     []string  `json:"chunks"`
	IsComplete bool      `json:"isComplete"`
}

// Output is something the tracker reports to its listener. The set is closed:
// SessionStarted, SessionEnded, ChunkEmitted, ResponseText and UsageUpdated.
type Output interface {
	output()
}

// SessionStarted reports a new session.
type SessionStarted struct {
	Session StreamSession
}

// SessionEnded reports a finished session.
type SessionEnded struct {
	Session    StreamSession
	Duration   time.Duration
	ChunkCount int
	Reason     string // "message_stop", "superseded", "stream_error", "connection_closed"
}

// ChunkEmitted carries a flushed reasoning chunk.
type ChunkEmitted struct {
	Chunk ReasoningChunk
}

// ResponseText carries user visible response text.
type ResponseText struct {
	SessionID string
	Text      string
}

// UsageUpdated carries token counts reported by the upstream.
type UsageUpdated struct {
	SessionID    string
	InputTokens  int
	OutputTokens int
}

func (SessionStarted) output() {}
func (SessionEnded) output()   {}
func (ChunkEmitted) output()   {}
func (ResponseText) output()   {}
func (UsageUpdated) output()   {}
