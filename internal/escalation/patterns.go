package escalation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"thinkwatch/internal/logging"
	"thinkwatch/internal/store"
	"thinkwatch/internal/supervisor"
	"thinkwatch/internal/textnorm"

	"github.com/google/uuid"
)

// PatternsKey is the store key holding the learned pattern set.
const PatternsKey = "escalation.patterns"

// LearnedPattern is a trigger phrase paired with the decision it predicts.
type LearnedPattern struct {
	ID              string            `json:"id"`
	Trigger         string            `json:"trigger"`
	Context         string            `json:"context,omitempty"`
	CorrectDecision supervisor.Status `json:"correctDecision"`
	Confidence      float64           `json:"confidence"`
	LearnedAt       time.Time         `json:"learnedAt"`
	LastUsed        time.Time         `json:"lastUsed"`
	UsageCount      int               `json:"usageCount"`
}

func (p LearnedPattern) lastActive() time.Time {
	if p.LastUsed.After(p.LearnedAt) {
		return p.LastUsed
	}
	return p.LearnedAt
}

// score weights usage by recency; higher survives pruning.
func (p LearnedPattern) score(now time.Time) float64 {
	days := now.Sub(p.lastActive()).Hours() / 24
	if days < 0 {
		days = 0
	}
	return float64(p.UsageCount+1) / (1 + days)
}

// MergePattern adds a pattern or, when an existing one has a similar word
// set, updates it in place. Returns the stored pattern.
func (e *Engine) MergePattern(trigger, context string, decision supervisor.Status, confidence float64) (LearnedPattern, error) {
	trigger = strings.TrimSpace(trigger)
	if textnorm.Normalize(trigger) == "" {
		return LearnedPattern{}, fmt.Errorf("empty pattern trigger")
	}
	if decision != supervisor.StatusAlert && decision != supervisor.StatusOK {
		return LearnedPattern{}, fmt.Errorf("invalid pattern decision %q", decision)
	}
	confidence = clamp(confidence)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.Now()

	for i := range e.patterns {
		p := &e.patterns[i]
		if p.CorrectDecision != decision {
			continue
		}
		if textnorm.Jaccard(p.Trigger, trigger) > e.opts.MergeSimilarity {
			p.UsageCount++
			p.LastUsed = now
			if confidence > p.Confidence {
				p.Confidence = confidence
			}
			logging.EscalationDebug("Pattern %s reinforced (usage=%d)", p.ID, p.UsageCount)
			return *p, nil
		}
	}

	p := LearnedPattern{
		ID:              uuid.NewString(),
		Trigger:         trigger,
		Context:         context,
		CorrectDecision: decision,
		Confidence:      confidence,
		LearnedAt:       now,
		LastUsed:        now,
	}
	e.patterns = append(e.patterns, p)
	e.pruneLocked()
	logging.Escalation("Learned pattern %s: %q -> %s", p.ID, p.Trigger, p.CorrectDecision)
	return p, nil
}

// Patterns returns a copy of the learned set.
func (e *Engine) Patterns() []LearnedPattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LearnedPattern(nil), e.patterns...)
}

// RemovePattern deletes a pattern by id.
func (e *Engine) RemovePattern(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.patterns {
		if p.ID == id {
			e.patterns = append(e.patterns[:i], e.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Prune drops inactive patterns and trims the set to its maximum size.
// Returns how many were removed.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pruneLocked()
}

func (e *Engine) pruneLocked() int {
	now := e.opts.Now()
	before := len(e.patterns)

	kept := e.patterns[:0]
	for _, p := range e.patterns {
		if e.opts.MaxAge > 0 && now.Sub(p.lastActive()) > e.opts.MaxAge {
			continue
		}
		kept = append(kept, p)
	}
	e.patterns = kept

	if e.opts.MaxPatterns > 0 && len(e.patterns) > e.opts.MaxPatterns {
		sort.SliceStable(e.patterns, func(i, j int) bool {
			return e.patterns[i].score(now) > e.patterns[j].score(now)
		})
		e.patterns = e.patterns[:e.opts.MaxPatterns]
	}

	removed := before - len(e.patterns)
	if removed > 0 {
		logging.EscalationDebug("Pruned %d patterns", removed)
	}
	return removed
}

// Save persists the learned set.
func (e *Engine) Save(kv store.KV) error {
	patterns := e.Patterns()
	if err := kv.Set(PatternsKey, patterns); err != nil {
		return fmt.Errorf("failed to save patterns: %w", err)
	}
	return nil
}

// Load replaces the learned set with the persisted one. Entries with an
// empty trigger are skipped.
func (e *Engine) Load(kv store.KV) error {
	var patterns []LearnedPattern
	if _, err := kv.Get(PatternsKey, &patterns); err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}
	valid := patterns[:0]
	for _, p := range patterns {
		if textnorm.Normalize(p.Trigger) == "" {
			continue
		}
		p.Confidence = clamp(p.Confidence)
		valid = append(valid, p)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns = valid
	e.pruneLocked()
	logging.Escalation("Loaded %d learned patterns", len(e.patterns))
	return nil
}
