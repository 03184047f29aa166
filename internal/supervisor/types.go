// Package supervisor routes reasoning chunks through a tree of checks:
// a Router picks a Coordinator, the Coordinator fans out to Specialists and
// reduces their verdicts to the most severe one.
package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of an analysis.
type Status string

const (
	StatusOK    Status = "ok"
	StatusAlert Status = "alert"
)

// Severity orders alerts. The zero value means no severity.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	return severityNames[s]
}

// ParseSeverity parses a severity name. Unknown names yield an error.
func ParseSeverity(name string) (Severity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for sev, s := range severityNames {
		if s == n && sev != SeverityNone {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = SeverityNone
		return nil
	}
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Alert kinds.
const (
	KindScopeReduction  = "scope-reduction"
	KindProcrastination = "procrastination"
	KindFalseCompletion = "false-completion"
	KindIncompleteness  = "incompleteness"
	KindRuleViolation   = "rule-violation"
)

// Result is the verdict of one analysis call.
type Result struct {
	SupervisorID    string        `json:"supervisorId"`
	SupervisorName  string        `json:"supervisorName"`
	Status          Status        `json:"status"`
	Severity        Severity      `json:"severity,omitempty"`
	Kind            string        `json:"kind,omitempty"`
	Message         string        `json:"message,omitempty"`
	ThinkingSnippet string        `json:"thinkingSnippet,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	ProcessingTime  time.Duration `json:"processingTime"`

	// KeywordMatches counts lexical triggers found in the chunk.
	KeywordMatches int `json:"keywordMatches,omitempty"`
	// Confidence is the classifier's own confidence in [0,1], when it gave one.
	Confidence float64 `json:"confidence,omitempty"`
}

// IsAlert reports whether r is an alert.
func (r Result) IsAlert() bool {
	return r.Status == StatusAlert
}

// NodeType names a node variant.
type NodeType string

const (
	TypeRouter      NodeType = "router"
	TypeCoordinator NodeType = "coordinator"
	TypeSpecialist  NodeType = "specialist"
)

// NodeInfo describes a node for introspection.
type NodeInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     NodeType `json:"type"`
	Kind     string   `json:"kind,omitempty"`
	Enabled  bool     `json:"enabled"`
	Keywords []string `json:"keywords,omitempty"`
	Children []string `json:"children,omitempty"`
	Parent   string   `json:"parent,omitempty"`
}

// Request is the input handed down the tree for one chunk.
type Request struct {
	Text      string
	SessionID string
	ChunkID   string
	Task      TaskSnapshot
}

// PatternSource supplies learned phrases for the lexical fast path.
type PatternSource interface {
	ActivePhrases(category string) []string
}

func snippet(text string) string {
	const max = 200
	r := []rune(strings.TrimSpace(text))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "…"
}
