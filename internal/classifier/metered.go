package classifier

import (
	"context"
	"sync"
	"time"
)

// TierStats summarizes calls made on one tier.
type TierStats struct {
	Calls         int64         `json:"calls"`
	Failures      int64         `json:"failures"`
	TotalLatency  time.Duration `json:"totalLatency"`
	InputTokens   int64         `json:"inputTokens"`
	OutputTokens  int64         `json:"outputTokens"`
	EstimatedCost float64       `json:"estimatedCost"`
}

// Pricing is the cost per million tokens for each tier.
type Pricing struct {
	FastPerMTok float64
	DeepPerMTok float64
}

// Metered wraps a Classifier and records call counts, latency and an
// estimated cost per tier. Token counts are estimated as len/4.
type Metered struct {
	inner   Classifier
	pricing Pricing

	mu    sync.Mutex
	stats map[Tier]*TierStats
}

// NewMetered wraps inner.
func NewMetered(inner Classifier, pricing Pricing) *Metered {
	return &Metered{
		inner:   inner,
		pricing: pricing,
		stats:   map[Tier]*TierStats{TierFast: {}, TierDeep: {}},
	}
}

// Classify delegates to the wrapped classifier and records the call.
func (m *Metered) Classify(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := m.inner.Classify(ctx, req)
	elapsed := time.Since(start)

	in := int64(estimateTokens(req.System) + estimateTokens(req.User))
	outTok := int64(estimateTokens(out))
	price := m.pricing.FastPerMTok
	if req.Tier == TierDeep {
		price = m.pricing.DeepPerMTok
	}

	m.mu.Lock()
	s := m.stats[req.Tier]
	if s == nil {
		s = &TierStats{}
		m.stats[req.Tier] = s
	}
	s.Calls++
	s.TotalLatency += elapsed
	if err != nil {
		s.Failures++
	} else {
		s.InputTokens += in
		s.OutputTokens += outTok
		s.EstimatedCost += float64(in+outTok) * price / 1e6
	}
	m.mu.Unlock()

	return out, err
}

// Snapshot returns a copy of the per-tier stats.
func (m *Metered) Snapshot() map[Tier]TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Tier]TierStats, len(m.stats))
	for t, s := range m.stats {
		out[t] = *s
	}
	return out
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
