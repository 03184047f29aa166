package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"thinkwatch/internal/classifier"
	"thinkwatch/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClassifier answers by system prompt and records every request.
type stubClassifier struct {
	mu      sync.Mutex
	calls   []classifier.Request
	replies map[string]string
	err     error
}

func newStub() *stubClassifier {
	return &stubClassifier{replies: make(map[string]string)}
}

func (s *stubClassifier) on(system, reply string) *stubClassifier {
	s.replies[system] = reply
	return s
}

func (s *stubClassifier) Classify(_ context.Context, req classifier.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return "", s.err
	}
	if r, ok := s.replies[req.System]; ok {
		return r, nil
	}
	if req.System == routerSystemPrompt {
		return "none", nil
	}
	return `{"match": false, "violated": false, "confidence": 0.1}`, nil
}

func (s *stubClassifier) callsFor(system string) []classifier.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []classifier.Request
	for _, c := range s.calls {
		if c.System == system {
			out = append(out, c)
		}
	}
	return out
}

type staticPatterns map[string][]string

func (p staticPatterns) ActivePhrases(category string) []string { return p[category] }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Supervisors.RouterDebounce = "1ms"
	cfg.Supervisors.Behavior.Debounce = "1ms"
	cfg.Supervisors.Scope.Debounce = "1ms"
	cfg.Supervisors.Rule.Debounce = "1ms"
	return cfg
}

func build(t *testing.T, cfg *config.Config, deps Deps) *Hierarchy {
	t.Helper()
	h, err := Build(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return h
}

var fiveItems = []string{"criar endpoint", "validar entrada", "persistir dados", "escrever testes", "documentar api"}

func TestAnalyze_ScopeReductionAtFortyPercent(t *testing.T) {
	stub := newStub().on(behaviorPrompts[KindScopeReduction],
		`{"match": true, "confidence": 0.9, "reason": "only the main part is planned"}`)
	h := build(t, testConfig(), Deps{Classifier: stub})
	h.Tasks().SetItems("build the feature", fiveItems)
	h.Tasks().MarkCompleted(fiveItems[:2])

	res := h.Analyze(context.Background(), "vou fazer só a parte principal por enquanto", "s1", "c1")

	require.True(t, res.IsAlert())
	assert.Equal(t, KindScopeReduction, res.Kind)
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.Equal(t, "scope-reduction", res.SupervisorID)
	assert.Equal(t, "Behavior > Scope Reduction", res.SupervisorName)
	assert.Equal(t, "only the main part is planned", res.Message)
	assert.Greater(t, res.KeywordMatches, 0)
	assert.NotEmpty(t, res.ThinkingSnippet)

	calls := stub.callsFor(behaviorPrompts[KindScopeReduction])
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].User, "2/5 items done (40%)")
	assert.Empty(t, stub.callsFor(routerSystemPrompt), "keyword routing needs no classifier")
}

func TestAnalyze_CompletionClaimWithPendingItems(t *testing.T) {
	stub := newStub().on(scopeSystemPrompt,
		`{"completedItems": [], "globalCompletion": false, "confidence": 0.9}`)
	h := build(t, testConfig(), Deps{Classifier: stub})
	h.Tasks().SetItems("build the feature", fiveItems)
	h.Tasks().MarkCompleted(fiveItems[:3])

	res := h.Analyze(context.Background(), "pronto, terminei tudo", "s1", "c1")

	require.True(t, res.IsAlert())
	assert.Equal(t, KindIncompleteness, res.Kind)
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.Equal(t, "task-progress", res.SupervisorID)
	assert.Contains(t, res.Message, "2 of 5")
	assert.Contains(t, res.Message, "escrever testes")
}

func TestAnalyze_GlobalCompletionMarksEverything(t *testing.T) {
	stub := newStub().on(scopeSystemPrompt,
		`Sure: {"completedItems": ["escrever testes"], "globalCompletion": true, "confidence": 0.8}`)
	h := build(t, testConfig(), Deps{Classifier: stub})
	h.Tasks().SetItems("build the feature", fiveItems)

	res := h.Analyze(context.Background(), "terminei tudo", "s1", "c1")

	assert.False(t, res.IsAlert())
	assert.Equal(t, 5, h.Task().Completed())
}

func TestAnalyze_LowConfidenceGlobalCompletionIgnored(t *testing.T) {
	stub := newStub().on(scopeSystemPrompt,
		`{"completedItems": ["criar endpoint"], "globalCompletion": true, "confidence": 0.3}`)
	h := build(t, testConfig(), Deps{Classifier: stub})
	h.Tasks().SetItems("build the feature", fiveItems)

	res := h.Analyze(context.Background(), "terminei tudo", "s1", "c1")

	require.True(t, res.IsAlert())
	assert.Equal(t, 1, h.Task().Completed())
	assert.Contains(t, res.Message, "4 of 5")
}

func TestAnalyze_NoTaskMeansNoIncompleteness(t *testing.T) {
	h := build(t, testConfig(), Deps{Classifier: newStub()})
	res := h.Analyze(context.Background(), "pronto, terminei tudo", "s1", "c1")
	assert.False(t, res.IsAlert())
}

func TestAnalyze_RouterNone(t *testing.T) {
	stub := newStub()
	h := build(t, testConfig(), Deps{Classifier: stub})

	res := h.Analyze(context.Background(), "analisando o arquivo de configuracao", "s1", "c1")

	assert.False(t, res.IsAlert())
	assert.Equal(t, "router", res.SupervisorID)
	assert.Len(t, stub.callsFor(routerSystemPrompt), 1)
}

func TestAnalyze_RouterFallbackIsCached(t *testing.T) {
	stub := newStub().
		on(routerSystemPrompt, "behavior").
		on(behaviorPrompts[KindProcrastination], `{"match": true, "confidence": 0.7, "reason": "deferring config"}`)
	patterns := staticPatterns{KindProcrastination: {"arquivo de configuracao"}}
	h := build(t, testConfig(), Deps{Classifier: stub, Patterns: patterns})

	text := "analisando o arquivo de configuração"
	first := h.Analyze(context.Background(), text, "s1", "c1")
	second := h.Analyze(context.Background(), text, "s1", "c2")

	require.True(t, first.IsAlert())
	assert.Equal(t, KindProcrastination, first.Kind)
	assert.Equal(t, SeverityMedium, first.Severity)
	assert.Equal(t, first.Kind, second.Kind)
	assert.Len(t, stub.callsFor(routerSystemPrompt), 1)
	assert.Len(t, stub.callsFor(behaviorPrompts[KindProcrastination]), 1)

	topics := stub.callsFor(routerSystemPrompt)[0].User
	assert.Contains(t, topics, "- behavior:")
	assert.NotContains(t, topics, "- rules:", "coordinators without children are not offered")
}

func TestAnalyze_ClassifierFailureIsOK(t *testing.T) {
	stub := newStub()
	stub.err = errors.New("upstream down")
	h := build(t, testConfig(), Deps{Classifier: stub})
	h.Tasks().SetItems("req", fiveItems)

	for _, text := range []string{
		"vou fazer só a parte principal por enquanto",
		"pronto, terminei tudo",
		"nothing relevant here at all",
	} {
		res := h.Analyze(context.Background(), text, "s1", "c1")
		assert.False(t, res.IsAlert(), text)
	}
}

func TestAnalyze_NilClassifier(t *testing.T) {
	h := build(t, testConfig(), Deps{})
	res := h.Analyze(context.Background(), "vou fazer só a parte principal", "s1", "c1")
	assert.False(t, res.IsAlert())
}

func TestSetEnabled(t *testing.T) {
	stub := newStub().on(behaviorPrompts[KindScopeReduction], `{"match": true, "confidence": 0.9}`)
	h := build(t, testConfig(), Deps{Classifier: stub})
	text := "vou fazer só a parte principal por enquanto"

	require.True(t, h.SetEnabled("scope-reduction", false))
	assert.False(t, h.Analyze(context.Background(), text, "s", "1").IsAlert())

	info, ok := h.Lookup("scope-reduction")
	require.True(t, ok)
	assert.False(t, info.Enabled)
	assert.Equal(t, "behavior", info.Parent)

	require.True(t, h.SetEnabled("scope-reduction", true))
	assert.True(t, h.Analyze(context.Background(), text, "s", "2").IsAlert())

	assert.False(t, h.SetEnabled("missing", false))
}

func TestApplyDisabled(t *testing.T) {
	h := build(t, testConfig(), Deps{})
	h.ApplyDisabled([]string{"behavior", "procrastination"})

	enabled := map[string]bool{}
	for _, n := range h.Nodes() {
		enabled[n.ID] = n.Enabled
	}
	assert.False(t, enabled["behavior"])
	assert.False(t, enabled["procrastination"])
	assert.True(t, enabled["completion"])

	h.ApplyDisabled(nil)
	for _, n := range h.Nodes() {
		assert.True(t, n.Enabled, n.ID)
	}
}

func TestUpdateRules(t *testing.T) {
	stub := newStub().on(ruleSystemPrompt, `{"violated": true, "confidence": 0.9, "reason": "plans to mock the database"}`)
	cfg := testConfig()
	cfg.Rules = []config.RuleConfig{
		{ID: "no-mocks", Description: "never mock the database", Severity: "critical", Keywords: []string{"mock"}},
	}
	h := build(t, cfg, Deps{Classifier: stub})
	text := "vou usar um mock do banco"

	res := h.Analyze(context.Background(), text, "s", "1")
	require.True(t, res.IsAlert())
	assert.Equal(t, KindRuleViolation, res.Kind)
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.Equal(t, "no-mocks", res.SupervisorID)
	assert.True(t, strings.HasPrefix(res.SupervisorName, "Rules > "))

	require.NoError(t, h.UpdateRules(nil))
	_, ok := h.Lookup("no-mocks")
	assert.False(t, ok)
	assert.False(t, h.Analyze(context.Background(), text, "s", "2").IsAlert())

	err := h.UpdateRules([]config.RuleConfig{{ID: "r1", Severity: "urgent"}})
	assert.Error(t, err)
	err = h.UpdateRules([]config.RuleConfig{{ID: "scope-reduction"}})
	assert.Error(t, err)
}

func TestRuleBelowThresholdIsOK(t *testing.T) {
	stub := newStub().on(ruleSystemPrompt, `{"violated": true, "confidence": 0.5}`)
	cfg := testConfig()
	cfg.Rules = []config.RuleConfig{{ID: "r1", Description: "no force push", Keywords: []string{"force push"}}}
	h := build(t, cfg, Deps{Classifier: stub})

	res := h.Analyze(context.Background(), "i will force push the branch", "s", "1")
	assert.False(t, res.IsAlert())
}

func TestBuildErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Supervisors.Coordinators = append(cfg.Supervisors.Coordinators, config.CoordinatorConfig{ID: "completion"})
	_, err := Build(cfg, Deps{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Supervisors.Coordinators = []config.CoordinatorConfig{{
		ID:          "x",
		Specialists: []config.SpecialistConfig{{ID: "y", Kind: "astrology"}},
	}}
	_, err = Build(cfg, Deps{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Rules = []config.RuleConfig{{ID: "a"}, {ID: "a"}}
	_, err = Build(cfg, Deps{})
	assert.Error(t, err)
}

func TestNodesTreeOrder(t *testing.T) {
	h := build(t, testConfig(), Deps{})
	nodes := h.Nodes()
	require.NotEmpty(t, nodes)
	assert.Equal(t, TypeRouter, nodes[0].Type)

	var ids []string
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{
		"router",
		"completion", "task-progress", "false-completion",
		"behavior", "scope-reduction", "procrastination",
		"rules",
	}, ids)
	assert.Equal(t, "completion", nodes[2].Parent)
	assert.Equal(t, SpecialistScope, nodes[2].Kind)
}

func TestSetTask(t *testing.T) {
	h := build(t, testConfig(), Deps{})
	assert.True(t, h.SetTask("1. login\n2. logout"))
	assert.False(t, h.SetTask("1. login\n2. logout"))
	assert.Equal(t, 2, h.Task().Total())
}
