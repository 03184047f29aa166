package supervisor

import (
	"regexp"
	"strings"
	"sync"

	"thinkwatch/internal/textnorm"
)

// TaskItem is one tracked piece of the user's request.
type TaskItem struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TaskSnapshot is a copy of the tracker state.
type TaskSnapshot struct {
	Request string     `json:"request"`
	Items   []TaskItem `json:"items"`
}

// Total returns the number of items.
func (s TaskSnapshot) Total() int { return len(s.Items) }

// Completed returns the number of items marked done.
func (s TaskSnapshot) Completed() int {
	n := 0
	for _, it := range s.Items {
		if it.Done {
			n++
		}
	}
	return n
}

// Pending returns the items not yet done.
func (s TaskSnapshot) Pending() []TaskItem {
	var out []TaskItem
	for _, it := range s.Items {
		if !it.Done {
			out = append(out, it)
		}
	}
	return out
}

// Progress returns the completed fraction in [0,1]; 0 when nothing is tracked.
func (s TaskSnapshot) Progress() float64 {
	if len(s.Items) == 0 {
		return 0
	}
	return float64(s.Completed()) / float64(len(s.Items))
}

// TaskTracker holds the items extracted from the current request.
type TaskTracker struct {
	mu      sync.RWMutex
	request string
	items   []TaskItem
}

// NewTaskTracker creates an empty tracker.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{}
}

// SetRequest replaces the tracked request and extracts its items. The same
// request text again keeps the current progress. Returns whether it changed.
func (t *TaskTracker) SetRequest(text string) bool {
	text = strings.TrimSpace(text)
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == "" || text == t.request {
		return false
	}
	t.request = text
	t.items = nil
	for i, s := range ExtractItems(text) {
		t.items = append(t.items, TaskItem{ID: i + 1, Text: s})
	}
	return true
}

// SetItems replaces the tracked items directly.
func (t *TaskTracker) SetItems(request string, items []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.request = request
	t.items = nil
	for i, s := range items {
		t.items = append(t.items, TaskItem{ID: i + 1, Text: s})
	}
}

// MarkCompleted marks every pending item that fuzzily matches one of the
// reported texts and returns how many were marked.
func (t *TaskTracker) MarkCompleted(reported []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	marked := 0
	for i := range t.items {
		if t.items[i].Done {
			continue
		}
		for _, r := range reported {
			if fuzzyMatch(t.items[i].Text, r) {
				t.items[i].Done = true
				marked++
				break
			}
		}
	}
	return marked
}

// MarkAll marks every item done and returns how many changed.
func (t *TaskTracker) MarkAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.items {
		if !t.items[i].Done {
			t.items[i].Done = true
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the current state.
func (t *TaskTracker) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskSnapshot{Request: t.request, Items: append([]TaskItem(nil), t.items...)}
}

// fuzzyMatch reports whether either normalized text contains the other.
func fuzzyMatch(item, reported string) bool {
	a, b := textnorm.Normalize(item), textnorm.Normalize(reported)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

var (
	numberedLine = regexp.MustCompile(`^\s*(?:\d+|[a-zA-Z])[.)]\s+(.+)$`)
	bulletLine   = regexp.MustCompile(`^\s*(?:[-*•]|\[[ xX]?\])\s+(.+)$`)
	compactMark  = regexp.MustCompile(`\(?\d+[.)]\s*`)
	listSplit    = regexp.MustCompile(`\s*(?:,|;|\s+e\s+|\s+and\s+|\s+y\s+)\s*`)
	sentenceEnd  = regexp.MustCompile(`[.!?\n]+`)
)

// ExtractItems splits a request into task items. It tries, in order,
// numbered or bulleted lines, a compact "1) a 2) b" enumeration, a comma
// separated list, and finally one item per declarative sentence.
func ExtractItems(text string) []string {
	if items := lineItems(text); len(items) >= 2 {
		return items
	}
	if items := compactItems(text); len(items) >= 2 {
		return items
	}
	if items := commaItems(text); len(items) >= 2 {
		return items
	}
	return sentenceItems(text)
}

func lineItems(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			out = appendItem(out, m[1])
		} else if m := bulletLine.FindStringSubmatch(line); m != nil {
			out = appendItem(out, m[1])
		}
	}
	return out
}

func compactItems(text string) []string {
	locs := compactMark.FindAllStringIndex(text, -1)
	if len(locs) < 2 {
		return nil
	}
	var out []string
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = appendItem(out, text[loc[1]:end])
	}
	return out
}

func commaItems(text string) []string {
	body := text
	if i := strings.LastIndex(body, ":"); i >= 0 && i < len(body)-1 {
		body = body[i+1:]
	}
	body = strings.TrimSpace(sentenceEnd.ReplaceAllString(body, " "))
	parts := listSplit.Split(body, -1)
	if len(parts) < 2 {
		return nil
	}
	var out []string
	for _, p := range parts {
		out = appendItem(out, p)
	}
	return out
}

func sentenceItems(text string) []string {
	var out []string
	for _, s := range sentenceEnd.Split(text, -1) {
		if len(strings.Fields(s)) >= 2 {
			out = appendItem(out, s)
		}
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = appendItem(out, text)
	}
	return out
}

func appendItem(out []string, s string) []string {
	s = strings.Trim(strings.TrimSpace(s), ".,;:")
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	return append(out, s)
}
