// Package classifier is the boundary to the language-model classification
// service. Callers depend on the Classifier interface; the Anthropic client
// and the metering wrapper implement it.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tier selects the cost/latency profile of a call.
type Tier int

const (
	// TierFast is the cheap classifier used on every chunk.
	TierFast Tier = iota
	// TierDeep is the stronger classifier used for escalations.
	TierDeep
)

func (t Tier) String() string {
	if t == TierDeep {
		return "deep"
	}
	return "fast"
}

// ErrNoAPIKey is returned when a client has no credentials configured.
var ErrNoAPIKey = errors.New("classifier: API key not configured")

// Request is one classification call.
type Request struct {
	System    string
	User      string
	MaxTokens int
	Tier      Tier
}

// Classifier turns a prompt pair into raw model text.
type Classifier interface {
	Classify(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, req Request) (string, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ExtractJSON returns the first balanced JSON object in s. Models often wrap
// JSON in prose or markdown fences.
func ExtractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// DecodeJSON extracts the first JSON object in raw and unmarshals it into v.
func DecodeJSON(raw string, v any) error {
	obj, ok := ExtractJSON(raw)
	if !ok {
		return fmt.Errorf("no JSON object in classifier output")
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("failed to parse classifier output: %w", err)
	}
	return nil
}

// Clamp01 clamps v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
