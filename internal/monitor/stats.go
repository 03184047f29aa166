package monitor

import (
	"fmt"
	"sync"
	"time"

	"thinkwatch/internal/store"
)

// StatsKey is the store key holding per-session statistics.
const StatsKey = "stats.sessions"

const maxSessions = 50

// SessionStats summarizes one monitored session.
type SessionStats struct {
	SessionID    string    `json:"sessionId"`
	Model        string    `json:"model,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt,omitempty"`
	EndReason    string    `json:"endReason,omitempty"`
	Chunks       int       `json:"chunks"`
	Alerts       int       `json:"alerts"`
	Escalations  int       `json:"escalations"`
	Overrides    int       `json:"overrides"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
}

// statsBook keeps the most recent sessions, oldest first.
type statsBook struct {
	mu       sync.Mutex
	sessions []SessionStats
	now      func() time.Time
}

func newStatsBook(now func() time.Time) *statsBook {
	return &statsBook{now: now}
}

// getLocked returns the entry for id, creating it when missing.
func (b *statsBook) getLocked(id string) *SessionStats {
	for i := len(b.sessions) - 1; i >= 0; i-- {
		if b.sessions[i].SessionID == id {
			return &b.sessions[i]
		}
	}
	b.sessions = append(b.sessions, SessionStats{SessionID: id, StartedAt: b.now()})
	if len(b.sessions) > maxSessions {
		b.sessions = append([]SessionStats(nil), b.sessions[len(b.sessions)-maxSessions:]...)
	}
	return &b.sessions[len(b.sessions)-1]
}

func (b *statsBook) start(id, model string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getLocked(id)
	s.Model = model
	if !at.IsZero() {
		s.StartedAt = at
	}
}

func (b *statsBook) end(id, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getLocked(id)
	s.EndedAt = b.now()
	s.EndReason = reason
}

func (b *statsBook) usage(id string, in, out int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getLocked(id)
	if in > s.InputTokens {
		s.InputTokens = in
	}
	if out > s.OutputTokens {
		s.OutputTokens = out
	}
}

func (b *statsBook) chunk(id string, alert, escalated, overridden bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getLocked(id)
	s.Chunks++
	if alert {
		s.Alerts++
	}
	if escalated {
		s.Escalations++
	}
	if overridden {
		s.Overrides++
	}
}

func (b *statsBook) snapshot() []SessionStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SessionStats(nil), b.sessions...)
}

func (b *statsBook) replace(sessions []SessionStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(sessions) > maxSessions {
		sessions = sessions[len(sessions)-maxSessions:]
	}
	b.sessions = append([]SessionStats(nil), sessions...)
}

// LoadStats reads the persisted session statistics.
func LoadStats(kv store.KV) ([]SessionStats, error) {
	var sessions []SessionStats
	if _, err := kv.Get(StatsKey, &sessions); err != nil {
		return nil, fmt.Errorf("failed to load session stats: %w", err)
	}
	return sessions, nil
}
