package escalation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"thinkwatch/internal/classifier"
	"thinkwatch/internal/store"
	"thinkwatch/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func reply(s string) classifier.Func {
	return func(context.Context, classifier.Request) (string, error) { return s, nil }
}

func alertResult(kind string, sev supervisor.Severity) supervisor.Result {
	return supervisor.Result{
		SupervisorID:   kind,
		SupervisorName: "Behavior > " + kind,
		Status:         supervisor.StatusAlert,
		Severity:       sev,
		Kind:           kind,
		Message:        "detected " + kind,
	}
}

func TestShouldEscalateBoundary(t *testing.T) {
	e := NewEngine(Options{}, nil)
	assert.True(t, e.ShouldEscalate(79))
	assert.True(t, e.ShouldEscalate(79.99))
	assert.False(t, e.ShouldEscalate(80))
	assert.False(t, e.ShouldEscalate(100))
}

func TestCalculateConfidence_Heuristics(t *testing.T) {
	pending := supervisor.TaskSnapshot{Request: "r", Items: []supervisor.TaskItem{{ID: 1, Text: "a", Done: true}, {ID: 2, Text: "b"}}}

	tests := []struct {
		name string
		res  supervisor.Result
		ctx  Context
		want float64
	}{
		{
			name: "baseline",
			res:  alertResult(supervisor.KindScopeReduction, supervisor.SeverityHigh),
			ctx:  Context{Text: "vou fazer a parte principal"},
			want: 70,
		},
		{
			name: "hedge lowers",
			res:  alertResult(supervisor.KindScopeReduction, supervisor.SeverityHigh),
			ctx:  Context{Text: "talvez eu faça só a parte principal"},
			want: 55,
		},
		{
			name: "completion claim with pending items",
			res:  alertResult(supervisor.KindIncompleteness, supervisor.SeverityHigh),
			ctx:  Context{Text: "pronto, terminei tudo", Task: pending},
			want: 85,
		},
		{
			name: "keyword matches and critical",
			res: func() supervisor.Result {
				r := alertResult(supervisor.KindRuleViolation, supervisor.SeverityCritical)
				r.KeywordMatches = 3
				return r
			}(),
			ctx:  Context{Text: "mock the database"},
			want: 90,
		},
		{
			name: "weak classifier confidence",
			res: func() supervisor.Result {
				r := alertResult(supervisor.KindProcrastination, supervisor.SeverityMedium)
				r.Confidence = 0.3
				return r
			}(),
			ctx:  Context{Text: "later"},
			want: 60,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Options{}, nil)
			got := e.CalculateConfidence(tt.res, tt.ctx)
			assert.InDelta(t, tt.want, got.Value, 1e-9)
			assert.Empty(t, got.PatternID)
		})
	}
}

func TestCalculateConfidence_RecentAlertsBoost(t *testing.T) {
	e := NewEngine(Options{}, nil)
	res := alertResult(supervisor.KindScopeReduction, supervisor.SeverityHigh)
	for i := 0; i < 3; i++ {
		e.Record(res)
	}
	got := e.CalculateConfidence(res, Context{Text: "algo"})
	assert.InDelta(t, 75, got.Value, 1e-9)
}

func TestCalculateConfidence_PatternShortCircuit(t *testing.T) {
	e := NewEngine(Options{}, nil)
	p, err := e.MergePattern("parte principal por enquanto", supervisor.KindScopeReduction, supervisor.StatusAlert, 92)
	require.NoError(t, err)

	res := alertResult(supervisor.KindScopeReduction, supervisor.SeverityHigh)
	got := e.CalculateConfidence(res, Context{Text: "vou fazer só a parte principal por enquanto"})
	assert.Equal(t, p.ID, got.PatternID)
	assert.Equal(t, 92.0, got.Value)
	assert.Equal(t, 1, e.Patterns()[0].UsageCount)

	// Below the overlap threshold the pattern is not used.
	got = e.CalculateConfidence(res, Context{Text: "a parte de testes"})
	assert.Empty(t, got.PatternID)
	assert.Equal(t, 1, e.Patterns()[0].UsageCount)

	// Disagreeing decision is not used either.
	ok := supervisor.Result{Status: supervisor.StatusOK}
	got = e.CalculateConfidence(ok, Context{Text: "vou fazer só a parte principal por enquanto"})
	assert.Empty(t, got.PatternID)
	assert.Equal(t, 1, e.Patterns()[0].UsageCount)
}

func TestMergePattern_Idempotent(t *testing.T) {
	e := NewEngine(Options{}, nil)
	first, err := e.MergePattern("deixo os testes para depois", "procrastination", supervisor.StatusAlert, 86)
	require.NoError(t, err)
	second, err := e.MergePattern("Deixo os testes para depois!", "procrastination", supervisor.StatusAlert, 95)
	require.NoError(t, err)

	require.Len(t, e.Patterns(), 1)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 95.0, second.Confidence)
	assert.Equal(t, 1, second.UsageCount)

	third, err := e.MergePattern("deixo os testes para depois", "procrastination", supervisor.StatusAlert, 10)
	require.NoError(t, err)
	assert.Equal(t, 95.0, third.Confidence, "confidence never decreases on merge")

	_, err = e.MergePattern("a completely different trigger", "x", supervisor.StatusAlert, 90)
	require.NoError(t, err)
	assert.Len(t, e.Patterns(), 2)

	_, err = e.MergePattern("  ", "x", supervisor.StatusAlert, 90)
	assert.Error(t, err)
	_, err = e.MergePattern("trigger", "x", "maybe", 90)
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	e := NewEngine(Options{MaxPatterns: 2, MaxAge: 30 * 24 * time.Hour, Now: fixedClock(now)}, nil)
	e.patterns = []LearnedPattern{
		{ID: "stale", Trigger: "old one", CorrectDecision: supervisor.StatusAlert, LearnedAt: now.AddDate(0, 0, -40), LastUsed: now.AddDate(0, 0, -31)},
		{ID: "busy", Trigger: "busy one", CorrectDecision: supervisor.StatusAlert, LearnedAt: now.AddDate(0, 0, -10), LastUsed: now, UsageCount: 20},
		{ID: "idle", Trigger: "idle one", CorrectDecision: supervisor.StatusAlert, LearnedAt: now.AddDate(0, 0, -20), LastUsed: now.AddDate(0, 0, -20)},
		{ID: "fresh", Trigger: "fresh one", CorrectDecision: supervisor.StatusOK, LearnedAt: now, LastUsed: now},
	}

	assert.Equal(t, 2, e.Prune())
	var ids []string
	for _, p := range e.Patterns() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"busy", "fresh"}, ids)
}

func TestMergePattern_PrunesOverflow(t *testing.T) {
	e := NewEngine(Options{MaxPatterns: 3}, nil)
	for i := 0; i < 10; i++ {
		_, err := e.MergePattern(fmt.Sprintf("trigger number %d", i), "x", supervisor.StatusAlert, 90)
		require.NoError(t, err)
	}
	assert.Len(t, e.Patterns(), 3)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "tw.db"))
	require.NoError(t, err)
	defer db.Close()

	e := NewEngine(Options{}, nil)
	p, err := e.MergePattern("so o basico por agora", "scope-reduction", supervisor.StatusAlert, 90)
	require.NoError(t, err)
	_, err = e.MergePattern("so o basico por agora", "scope-reduction", supervisor.StatusAlert, 91)
	require.NoError(t, err)
	_, err = e.MergePattern("tests pass locally", "false-completion", supervisor.StatusOK, 88)
	require.NoError(t, err)
	require.NoError(t, e.Save(db))

	loaded := NewEngine(Options{}, nil)
	require.NoError(t, loaded.Load(db))
	got := loaded.Patterns()
	require.Len(t, got, 2)

	want := e.Patterns()
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Trigger, got[i].Trigger)
		assert.Equal(t, want[i].CorrectDecision, got[i].CorrectDecision)
		assert.Equal(t, want[i].UsageCount, got[i].UsageCount)
	}
	assert.Equal(t, p.ID, got[0].ID)
	assert.Equal(t, 1, got[0].UsageCount)
}

func TestLoadEmptyStore(t *testing.T) {
	e := NewEngine(Options{}, nil)
	require.NoError(t, e.Load(store.NewMemory()))
	assert.Empty(t, e.Patterns())
}

func TestEscalateToDeep_Decisions(t *testing.T) {
	res := alertResult(supervisor.KindScopeReduction, supervisor.SeverityHigh)
	ctx := context.Background()

	e := NewEngine(Options{}, reply(`{"decision": "confirm", "confidence": 90, "reason": "clear"}`))
	out := e.EscalateToDeep(ctx, res, Context{Text: "x"})
	assert.Equal(t, VerdictConfirm, out.Verdict)
	assert.Equal(t, 90.0, out.Confidence)
	assert.Equal(t, res, out.Final)

	e = NewEngine(Options{}, reply("```json\n{\"decision\": \"OVERRIDE\", \"confidence\": 140, \"reason\": \"user asked for a prototype\"}\n```"))
	out = e.EscalateToDeep(ctx, res, Context{Text: "x"})
	assert.Equal(t, VerdictOverride, out.Verdict)
	assert.Equal(t, 100.0, out.Confidence)
	assert.Equal(t, supervisor.StatusOK, out.Final.Status)
	assert.Equal(t, supervisor.SeverityNone, out.Final.Severity)
	assert.Equal(t, "user asked for a prototype", out.Final.Message)

	okRes := supervisor.Result{SupervisorID: "router", Status: supervisor.StatusOK}
	e = NewEngine(Options{}, reply(`{"decision": "override", "confidence": 88}`))
	out = e.EscalateToDeep(ctx, okRes, Context{Text: "x"})
	assert.Equal(t, supervisor.StatusAlert, out.Final.Status)
	assert.Equal(t, supervisor.SeverityMedium, out.Final.Severity)

	e = NewEngine(Options{}, reply(`{"decision": "uncertain", "confidence": 40}`))
	out = e.EscalateToDeep(ctx, res, Context{Text: "x"})
	assert.Equal(t, VerdictUncertain, out.Verdict)
	assert.Equal(t, res, out.Final)
}

func TestEscalateToDeep_FailuresAreUncertain(t *testing.T) {
	res := alertResult(supervisor.KindProcrastination, supervisor.SeverityMedium)
	failing := classifier.Func(func(context.Context, classifier.Request) (string, error) {
		return "", errors.New("timeout")
	})
	for name, cls := range map[string]classifier.Classifier{
		"nil":         nil,
		"error":       failing,
		"not json":    reply("I cannot decide"),
		"broken json": reply(`{"decision": "confirm"`),
	} {
		t.Run(name, func(t *testing.T) {
			out := NewEngine(Options{}, cls).EscalateToDeep(context.Background(), res, Context{Text: "x"})
			assert.Equal(t, VerdictUncertain, out.Verdict)
			assert.Equal(t, 50.0, out.Confidence)
			assert.Equal(t, res, out.Final)
			assert.Nil(t, out.Learned)
		})
	}
}

func TestEscalateToDeep_LearnsSuggestedPattern(t *testing.T) {
	var got classifier.Request
	cls := classifier.Func(func(_ context.Context, req classifier.Request) (string, error) {
		got = req
		return `{"decision": "confirm", "confidence": 92, "reason": "defers tests",
			"suggestedPattern": {"trigger": "testes depois", "decision": "alert", "confidence": 90}}`, nil
	})
	e := NewEngine(Options{}, cls)
	e.Record(alertResult(supervisor.KindScopeReduction, supervisor.SeverityHigh))

	task := supervisor.TaskSnapshot{Request: "implement login", Items: []supervisor.TaskItem{{ID: 1, Text: "login"}}}
	res := alertResult(supervisor.KindProcrastination, supervisor.SeverityMedium)
	out := e.EscalateToDeep(context.Background(), res, Context{Text: "faço os testes depois", Task: task})

	require.NotNil(t, out.Learned)
	assert.Equal(t, "testes depois", out.Learned.Trigger)
	assert.Equal(t, supervisor.StatusAlert, out.Learned.CorrectDecision)
	assert.Equal(t, supervisor.KindProcrastination, out.Learned.Context)
	assert.Len(t, e.Patterns(), 1)

	assert.Equal(t, classifier.TierDeep, got.Tier)
	assert.Contains(t, got.User, "implement login")
	assert.Contains(t, got.User, "Progress: 0/1 items done")
	assert.Contains(t, got.User, "Recent verdicts:")
	assert.Contains(t, got.User, "faço os testes depois")
}

func TestEscalateToDeep_LowConfidenceSuggestionIgnored(t *testing.T) {
	e := NewEngine(Options{}, reply(`{"decision": "confirm", "confidence": 92,
		"suggestedPattern": {"trigger": "testes depois", "decision": "alert", "confidence": 70}}`))
	out := e.EscalateToDeep(context.Background(), alertResult("procrastination", supervisor.SeverityMedium), Context{Text: "x"})
	assert.Nil(t, out.Learned)
	assert.Empty(t, e.Patterns())
}

func TestHistoryRing(t *testing.T) {
	e := NewEngine(Options{}, nil)
	for i := 0; i < 25; i++ {
		e.Record(supervisor.Result{SupervisorID: fmt.Sprint(i), Status: supervisor.StatusOK})
	}
	h := e.History()
	require.Len(t, h, historySize)
	assert.Equal(t, "5", h[0].SupervisorID)
	assert.Equal(t, "24", h[len(h)-1].SupervisorID)
}
