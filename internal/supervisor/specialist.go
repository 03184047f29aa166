package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"thinkwatch/internal/classifier"
	"thinkwatch/internal/logging"
	"thinkwatch/internal/textnorm"
)

// Specialist kinds.
const (
	SpecialistBehavior = "behavior"
	SpecialistScope    = "scope"
	SpecialistRule     = "rule"
)

// tuning is the resolved batching and cache configuration of one specialist.
type tuning struct {
	debounce  time.Duration
	maxChars  int
	cacheSize int
	cacheTTL  time.Duration
	prefixLen int
	maxTokens int
}

var behaviorSeverity = map[string]Severity{
	KindScopeReduction:  SeverityHigh,
	KindProcrastination: SeverityMedium,
	KindFalseCompletion: SeverityHigh,
}

// =============================================================================
// BEHAVIOR
// =============================================================================

type behaviorVerdict struct {
	Match      bool    `json:"match"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type behaviorCheck struct {
	category string
	cls      classifier.Classifier
	patterns PatternSource
	tasks    *TaskTracker
	cache    *TTLCache[string, behaviorVerdict]
	batch    *Batcher[behaviorVerdict]
	tune     tuning
}

func newBehaviorSpecialist(id, name, category string, keywords []string, cls classifier.Classifier, patterns PatternSource, tasks *TaskTracker, tune tuning) *Specialist {
	bc := &behaviorCheck{
		category: category,
		cls:      cls,
		patterns: patterns,
		tasks:    tasks,
		cache:    NewTTLCache[string, behaviorVerdict](tune.cacheSize, tune.cacheTTL),
		tune:     tune,
	}
	bc.batch = NewBatcher(tune.debounce, tune.maxChars, bc.classify)
	s := &Specialist{kind: SpecialistBehavior, check: bc}
	s.init(id, name, keywords)
	return s
}

func (bc *behaviorCheck) phrases(s *Specialist) []string {
	if bc.patterns == nil {
		return s.keywords
	}
	learned := bc.patterns.ActivePhrases(bc.category)
	if len(learned) == 0 {
		return s.keywords
	}
	out := make([]string, 0, len(s.keywords)+len(learned))
	out = append(out, s.keywords...)
	return append(out, learned...)
}

func (bc *behaviorCheck) run(ctx context.Context, s *Specialist, req Request) (Result, error) {
	phrases := bc.phrases(s)
	if textnorm.MatchAny(req.Text, phrases) == "" {
		return Result{Status: StatusOK, Message: "no trigger phrase"}, nil
	}
	matches := textnorm.CountMatches(req.Text, phrases)
	if bc.cls == nil {
		return Result{Status: StatusOK, Message: "classifier unavailable", KeywordMatches: matches}, nil
	}

	key := bc.category + "|" + textnorm.Prefix(textnorm.Normalize(req.Text), bc.tune.prefixLen)
	v, ok := bc.cache.Get(key)
	if !ok {
		var err error
		if v, err = bc.batch.Submit(ctx, req.Text); err != nil {
			return Result{}, err
		}
		bc.cache.Set(key, v)
	}

	if !v.Match {
		return Result{Status: StatusOK, Message: v.Reason, KeywordMatches: matches, Confidence: v.Confidence}, nil
	}
	sev, ok := behaviorSeverity[bc.category]
	if !ok {
		sev = SeverityMedium
	}
	msg := v.Reason
	if msg == "" {
		msg = "detected " + bc.category
	}
	return Result{
		Status:         StatusAlert,
		Severity:       sev,
		Kind:           bc.category,
		Message:        msg,
		KeywordMatches: matches,
		Confidence:     v.Confidence,
	}, nil
}

func (bc *behaviorCheck) classify(ctx context.Context, text string) (behaviorVerdict, error) {
	system, ok := behaviorPrompts[bc.category]
	if !ok {
		system = reviewerPreamble + "Decide whether the reasoning shows the behavior: " + bc.category + "."
	}
	raw, err := bc.cls.Classify(ctx, classifier.Request{
		System:    system,
		User:      behaviorUserPrompt(bc.tasks.Snapshot(), text),
		MaxTokens: bc.tune.maxTokens,
		Tier:      classifier.TierFast,
	})
	if err != nil {
		return behaviorVerdict{}, err
	}
	var v behaviorVerdict
	if err := classifier.DecodeJSON(raw, &v); err != nil {
		logging.SupervisorWarn("%s: unparseable verdict: %v", bc.category, err)
		return behaviorVerdict{}, nil
	}
	v.Confidence = classifier.Clamp01(v.Confidence)
	return v, nil
}

func (bc *behaviorCheck) stop() { bc.batch.Stop() }

// =============================================================================
// SCOPE
// =============================================================================

type scopeVerdict struct {
	CompletedItems   []string `json:"completedItems"`
	GlobalCompletion bool     `json:"globalCompletion"`
	Confidence       float64  `json:"confidence"`
}

type scopeCheck struct {
	cls       classifier.Classifier
	tasks     *TaskTracker
	threshold float64
	batch     *Batcher[scopeVerdict]
	tune      tuning
}

func newScopeSpecialist(id, name string, keywords []string, cls classifier.Classifier, tasks *TaskTracker, threshold float64, tune tuning) *Specialist {
	sc := &scopeCheck{cls: cls, tasks: tasks, threshold: threshold, tune: tune}
	sc.batch = NewBatcher(tune.debounce, tune.maxChars, sc.classify)
	s := &Specialist{kind: SpecialistScope, check: sc}
	s.init(id, name, keywords)
	return s
}

func (sc *scopeCheck) run(ctx context.Context, s *Specialist, req Request) (Result, error) {
	snap := sc.tasks.Snapshot()
	if snap.Total() == 0 {
		return Result{Status: StatusOK, Message: "no tracked task"}, nil
	}
	matches := textnorm.CountMatches(req.Text, s.keywords)
	if matches == 0 {
		return Result{Status: StatusOK, Message: progressMessage(snap)}, nil
	}
	if len(snap.Pending()) == 0 {
		return Result{Status: StatusOK, Message: "all items complete", KeywordMatches: matches}, nil
	}

	var confidence float64
	if sc.cls != nil {
		v, err := sc.batch.Submit(ctx, req.Text)
		if err != nil {
			logging.SupervisorWarn("scope: classifier failed, treating as ok: %v", err)
			return Result{Status: StatusOK, Message: "check failed", KeywordMatches: matches}, nil
		}
		sc.apply(v)
		confidence = v.Confidence
	}

	snap = sc.tasks.Snapshot()
	pending := snap.Pending()
	if len(pending) == 0 {
		return Result{Status: StatusOK, Message: "all items complete", KeywordMatches: matches, Confidence: confidence}, nil
	}
	names := make([]string, 0, len(pending))
	for _, it := range pending {
		names = append(names, it.Text)
	}
	return Result{
		Status:   StatusAlert,
		Severity: SeverityHigh,
		Kind:     KindIncompleteness,
		Message: fmt.Sprintf("claimed completion with %d of %d items pending: %s",
			len(pending), snap.Total(), strings.Join(names, "; ")),
		KeywordMatches: matches,
		Confidence:     confidence,
	}, nil
}

func (sc *scopeCheck) apply(v scopeVerdict) {
	if n := sc.tasks.MarkCompleted(v.CompletedItems); n > 0 {
		logging.SupervisorDebug("scope: marked %d items completed", n)
	}
	if v.GlobalCompletion && v.Confidence >= sc.threshold {
		sc.tasks.MarkAll()
	}
}

func (sc *scopeCheck) classify(ctx context.Context, text string) (scopeVerdict, error) {
	raw, err := sc.cls.Classify(ctx, classifier.Request{
		System:    scopeSystemPrompt,
		User:      scopeUserPrompt(sc.tasks.Snapshot(), text),
		MaxTokens: sc.tune.maxTokens,
		Tier:      classifier.TierFast,
	})
	if err != nil {
		return scopeVerdict{}, err
	}
	var v scopeVerdict
	if err := classifier.DecodeJSON(raw, &v); err != nil {
		logging.SupervisorWarn("scope: unparseable verdict: %v", err)
		return scopeVerdict{}, nil
	}
	v.Confidence = classifier.Clamp01(v.Confidence)
	return v, nil
}

func (sc *scopeCheck) stop() { sc.batch.Stop() }

func progressMessage(s TaskSnapshot) string {
	return fmt.Sprintf("%d/%d items complete", s.Completed(), s.Total())
}

// =============================================================================
// RULE
// =============================================================================

type ruleVerdict struct {
	Violated   bool    `json:"violated"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type ruleCheck struct {
	rule      string
	severity  Severity
	threshold float64
	cls       classifier.Classifier
	cache     *TTLCache[string, ruleVerdict]
	batch     *Batcher[ruleVerdict]
	tune      tuning
}

func newRuleSpecialist(id, rule string, severity Severity, keywords []string, cls classifier.Classifier, threshold float64, tune tuning) *Specialist {
	rc := &ruleCheck{
		rule:      rule,
		severity:  severity,
		threshold: threshold,
		cls:       cls,
		cache:     NewTTLCache[string, ruleVerdict](tune.cacheSize, tune.cacheTTL),
		tune:      tune,
	}
	rc.batch = NewBatcher(tune.debounce, tune.maxChars, rc.classify)
	s := &Specialist{kind: SpecialistRule, check: rc}
	s.init(id, "Rule "+id, keywords)
	return s
}

func (rc *ruleCheck) run(ctx context.Context, s *Specialist, req Request) (Result, error) {
	if rc.cls == nil {
		return Result{Status: StatusOK, Message: "classifier unavailable"}, nil
	}
	key := s.id + "|" + textnorm.Prefix(textnorm.Normalize(req.Text), rc.tune.prefixLen)
	v, ok := rc.cache.Get(key)
	if !ok {
		var err error
		if v, err = rc.batch.Submit(ctx, req.Text); err != nil {
			return Result{}, err
		}
		rc.cache.Set(key, v)
	}
	if !v.Violated || v.Confidence < rc.threshold {
		return Result{Status: StatusOK, Message: v.Reason, Confidence: v.Confidence}, nil
	}
	msg := fmt.Sprintf("rule %s: %s", s.id, rc.rule)
	if v.Reason != "" {
		msg += " (" + v.Reason + ")"
	}
	return Result{
		Status:         StatusAlert,
		Severity:       rc.severity,
		Kind:           KindRuleViolation,
		Message:        msg,
		KeywordMatches: textnorm.CountMatches(req.Text, s.keywords),
		Confidence:     v.Confidence,
	}, nil
}

func (rc *ruleCheck) classify(ctx context.Context, text string) (ruleVerdict, error) {
	raw, err := rc.cls.Classify(ctx, classifier.Request{
		System:    ruleSystemPrompt,
		User:      ruleUserPrompt(rc.rule, text),
		MaxTokens: rc.tune.maxTokens,
		Tier:      classifier.TierFast,
	})
	if err != nil {
		return ruleVerdict{}, err
	}
	var v ruleVerdict
	if err := classifier.DecodeJSON(raw, &v); err != nil {
		logging.SupervisorWarn("rule %q: unparseable verdict: %v", rc.rule, err)
		return ruleVerdict{}, nil
	}
	v.Confidence = classifier.Clamp01(v.Confidence)
	return v, nil
}

func (rc *ruleCheck) stop() { rc.batch.Stop() }
