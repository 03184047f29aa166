// Package learning mines recurring phrases from confirmed alerts so the
// specialists' lexical fast path can pick them up.
package learning

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"thinkwatch/internal/config"
	"thinkwatch/internal/logging"
	"thinkwatch/internal/store"
	"thinkwatch/internal/textnorm"
)

// PatternsKey is the store key holding the learner state.
const PatternsKey = "learning.patterns"

// ErrUnknownPattern is returned when confirming or rejecting a phrase that was never seen.
var ErrUnknownPattern = errors.New("learning: unknown pattern")

// Pattern is one observed n-gram in one alert category.
type Pattern struct {
	Phrase    string    `json:"phrase"`
	Category  string    `json:"category"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Confirmed bool      `json:"confirmed,omitempty"`
	Rejected  bool      `json:"rejected,omitempty"`
}

// Options tune the learner.
type Options struct {
	NGramMin       int
	NGramMax       int
	MinOccurrences int
	MaxPatterns    int
	MaxAge         time.Duration
	Now            func() time.Time
}

// OptionsFromConfig resolves learner options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		NGramMin:       cfg.Learning.NGramMin,
		NGramMax:       cfg.Learning.NGramMax,
		MinOccurrences: cfg.Learning.MinOccurrences,
		MaxPatterns:    cfg.Learning.MaxPatterns,
		MaxAge:         cfg.GetLearningMaxAge(),
	}
}

// Learner counts n-grams per category. It is safe for concurrent use.
type Learner struct {
	mu       sync.RWMutex
	opts     Options
	patterns map[string]*Pattern
}

// NewLearner creates an empty learner.
func NewLearner(opts Options) *Learner {
	if opts.NGramMin < 1 {
		opts.NGramMin = 2
	}
	if opts.NGramMax < opts.NGramMin {
		opts.NGramMax = opts.NGramMin
	}
	if opts.MinOccurrences < 1 {
		opts.MinOccurrences = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Learner{opts: opts, patterns: make(map[string]*Pattern)}
}

func key(category, phrase string) string {
	return category + "|" + phrase
}

// Record counts every n-gram of text under category, once per call, and
// returns the patterns that just reached the suggestion count.
func (l *Learner) Record(category, text string) []Pattern {
	words := textnorm.Words(text)
	grams := make(map[string]struct{})
	for n := l.opts.NGramMin; n <= l.opts.NGramMax; n++ {
		for i := 0; i+n <= len(words); i++ {
			g := words[i : i+n]
			if uninformative(g) {
				continue
			}
			grams[strings.Join(g, " ")] = struct{}{}
		}
	}
	if len(grams) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	var surfaced []Pattern
	for phrase := range grams {
		k := key(category, phrase)
		p, ok := l.patterns[k]
		if !ok {
			p = &Pattern{Phrase: phrase, Category: category, FirstSeen: now}
			l.patterns[k] = p
		}
		p.Count++
		p.LastSeen = now
		if p.Count == l.opts.MinOccurrences && !p.Confirmed && !p.Rejected {
			surfaced = append(surfaced, *p)
		}
	}
	l.enforceCapLocked()

	sortPatterns(surfaced)
	for _, p := range surfaced {
		logging.Learning("Pattern suggested [%s]: %q", p.Category, p.Phrase)
	}
	return surfaced
}

// Suggestions lists patterns seen often enough that await review.
func (l *Learner) Suggestions() []Pattern {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Pattern
	for _, p := range l.patterns {
		if p.Count >= l.opts.MinOccurrences && !p.Confirmed && !p.Rejected {
			out = append(out, *p)
		}
	}
	sortPatterns(out)
	return out
}

// All lists every tracked pattern.
func (l *Learner) All() []Pattern {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Pattern, 0, len(l.patterns))
	for _, p := range l.patterns {
		out = append(out, *p)
	}
	sortPatterns(out)
	return out
}

// Confirm activates a pattern. Confirming twice is a no-op.
func (l *Learner) Confirm(category, phrase string) (Pattern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.patterns[key(category, textnorm.Normalize(phrase))]
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %s %q", ErrUnknownPattern, category, phrase)
	}
	if !p.Confirmed {
		p.Confirmed = true
		p.Rejected = false
		logging.Learning("Pattern confirmed [%s]: %q", p.Category, p.Phrase)
	}
	return *p, nil
}

// Reject hides a pattern from suggestions and the fast path for good.
func (l *Learner) Reject(category, phrase string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.patterns[key(category, textnorm.Normalize(phrase))]
	if !ok {
		return fmt.Errorf("%w: %s %q", ErrUnknownPattern, category, phrase)
	}
	p.Rejected = true
	p.Confirmed = false
	logging.Learning("Pattern rejected [%s]: %q", p.Category, p.Phrase)
	return nil
}

// ActivePhrases returns the phrases the fast path should match for
// category: confirmed ones and ones seen at least twice the suggestion count.
func (l *Learner) ActivePhrases(category string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, p := range l.patterns {
		if p.Category != category || p.Rejected {
			continue
		}
		if p.Confirmed || p.Count >= 2*l.opts.MinOccurrences {
			out = append(out, p.Phrase)
		}
	}
	sort.Strings(out)
	return out
}

// Prune drops unconfirmed patterns not seen within MaxAge. Returns how many
// were removed.
func (l *Learner) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opts.MaxAge <= 0 {
		return 0
	}
	now := l.opts.Now()
	removed := 0
	for k, p := range l.patterns {
		if !p.Confirmed && now.Sub(p.LastSeen) > l.opts.MaxAge {
			delete(l.patterns, k)
			removed++
		}
	}
	if removed > 0 {
		logging.LearningDebug("Pruned %d inactive patterns", removed)
	}
	return removed
}

// enforceCapLocked evicts the least seen, least recent unconfirmed patterns
// beyond MaxPatterns.
func (l *Learner) enforceCapLocked() {
	if l.opts.MaxPatterns <= 0 || len(l.patterns) <= l.opts.MaxPatterns {
		return
	}
	var victims []*Pattern
	for _, p := range l.patterns {
		if !p.Confirmed && !p.Rejected {
			victims = append(victims, p)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Count != victims[j].Count {
			return victims[i].Count < victims[j].Count
		}
		if !victims[i].LastSeen.Equal(victims[j].LastSeen) {
			return victims[i].LastSeen.Before(victims[j].LastSeen)
		}
		return key(victims[i].Category, victims[i].Phrase) < key(victims[j].Category, victims[j].Phrase)
	})
	for _, p := range victims {
		if len(l.patterns) <= l.opts.MaxPatterns {
			break
		}
		delete(l.patterns, key(p.Category, p.Phrase))
	}
}

// Save persists the learner state.
func (l *Learner) Save(kv store.KV) error {
	if err := kv.Set(PatternsKey, l.All()); err != nil {
		return fmt.Errorf("failed to save learned phrases: %w", err)
	}
	return nil
}

// Load replaces the learner state with the persisted one.
func (l *Learner) Load(kv store.KV) error {
	var patterns []Pattern
	if _, err := kv.Get(PatternsKey, &patterns); err != nil {
		return fmt.Errorf("failed to load learned phrases: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns = make(map[string]*Pattern, len(patterns))
	for i := range patterns {
		p := patterns[i]
		if p.Phrase == "" {
			continue
		}
		l.patterns[key(p.Category, p.Phrase)] = &p
	}
	return nil
}

func sortPatterns(ps []Pattern) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Count != ps[j].Count {
			return ps[i].Count > ps[j].Count
		}
		if ps[i].Category != ps[j].Category {
			return ps[i].Category < ps[j].Category
		}
		return ps[i].Phrase < ps[j].Phrase
	})
}
