package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"thinkwatch/internal/classifier"
	"thinkwatch/internal/config"
	"thinkwatch/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("thinkwatch/supervisor")

// RulesCoordinatorID is the id of the coordinator holding user rules.
const RulesCoordinatorID = "rules"

// Deps are the collaborators a hierarchy calls out to.
type Deps struct {
	Classifier classifier.Classifier
	Patterns   PatternSource
}

// Hierarchy owns the supervisor tree and the task tracker it shares.
type Hierarchy struct {
	mu     sync.RWMutex
	router *Router
	rules  *Coordinator
	byID   map[string]Node
	parent map[string]string
	tasks  *TaskTracker

	deps          Deps
	ruleTuning    tuning
	ruleThreshold float64
}

// Build constructs the tree from cfg: one router, the configured
// coordinators in order, then the rules coordinator.
func Build(cfg *config.Config, deps Deps) (*Hierarchy, error) {
	sc := cfg.Supervisors
	prefixLen := sc.CachePrefixLen
	if prefixLen <= 0 {
		prefixLen = 100
	}
	maxTokens := cfg.Classifier.FastMaxTokens
	resolve := func(t config.SpecialistTuning, debounce time.Duration) tuning {
		return tuning{
			debounce:  config.GetDuration(t.Debounce, debounce),
			maxChars:  t.MaxBatchChars,
			cacheSize: t.CacheSize,
			cacheTTL:  config.GetDuration(t.CacheTTL, 30*time.Second),
			prefixLen: prefixLen,
			maxTokens: maxTokens,
		}
	}

	h := &Hierarchy{
		byID:          make(map[string]Node),
		parent:        make(map[string]string),
		tasks:         NewTaskTracker(),
		deps:          deps,
		ruleTuning:    resolve(sc.Rule, 400*time.Millisecond),
		ruleThreshold: sc.RuleViolationThreshold,
	}
	h.router = newRouter("router", "Router", deps.Classifier, cfg.GetRouterCacheTTL(), cfg.GetRouterDebounce(), prefixLen)
	h.byID[h.router.id] = h.router

	behaviorTune := resolve(sc.Behavior, 500*time.Millisecond)
	scopeTune := resolve(sc.Scope, 800*time.Millisecond)

	for _, cc := range sc.Coordinators {
		if _, dup := h.byID[cc.ID]; dup || cc.ID == RulesCoordinatorID {
			return nil, fmt.Errorf("duplicate supervisor id %q", cc.ID)
		}
		co := &Coordinator{description: cc.Description}
		co.init(cc.ID, cc.Name, cc.Keywords)
		for _, spc := range cc.Specialists {
			if _, dup := h.byID[spc.ID]; dup {
				return nil, fmt.Errorf("duplicate supervisor id %q", spc.ID)
			}
			var sp *Specialist
			switch spc.Kind {
			case SpecialistBehavior:
				sp = newBehaviorSpecialist(spc.ID, spc.Name, spc.Category, spc.Keywords, deps.Classifier, deps.Patterns, h.tasks, behaviorTune)
			case SpecialistScope:
				sp = newScopeSpecialist(spc.ID, spc.Name, spc.Keywords, deps.Classifier, h.tasks, sc.GlobalCompletionThreshold, scopeTune)
			default:
				return nil, fmt.Errorf("specialist %q: unknown kind %q", spc.ID, spc.Kind)
			}
			co.children = append(co.children, sp)
			h.byID[sp.id] = sp
			h.parent[sp.id] = co.id
		}
		h.addCoordinator(co)
	}

	h.rules = &Coordinator{}
	h.rules.init(RulesCoordinatorID, "Rules", nil)
	h.addCoordinator(h.rules)
	if err := h.setRulesLocked(cfg.Rules); err != nil {
		return nil, err
	}
	h.applyDisabledLocked(sc.Disabled)

	logging.Supervisor("Supervisor tree built: %d coordinators, %d nodes", len(h.router.children), len(h.byID))
	return h, nil
}

func (h *Hierarchy) addCoordinator(co *Coordinator) {
	h.router.children = append(h.router.children, co)
	h.router.descriptions[co.id] = co.description
	h.byID[co.id] = co
	h.parent[co.id] = h.router.id
}

// Analyze runs one chunk through the tree and returns the final verdict.
func (h *Hierarchy) Analyze(ctx context.Context, text, sessionID, chunkID string) Result {
	ctx, span := tracer.Start(ctx, "supervisor.analyze", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("chunk.id", chunkID),
	))
	defer span.End()

	start := time.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()

	req := Request{Text: text, SessionID: sessionID, ChunkID: chunkID, Task: h.tasks.Snapshot()}
	res, err := analyzeNode(ctx, h.router, req)
	if err != nil {
		res = okResult(h.router.id, h.router.name, "analysis failed", start)
	}
	if res.ThinkingSnippet == "" {
		res.ThinkingSnippet = snippet(text)
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}

	span.SetAttributes(
		attribute.String("verdict.status", string(res.Status)),
		attribute.String("verdict.supervisor", res.SupervisorID),
	)
	return res
}

// SetTask sets the user request whose items are tracked. Returns whether
// the tracked request changed.
func (h *Hierarchy) SetTask(request string) bool {
	changed := h.tasks.SetRequest(request)
	if changed {
		snap := h.tasks.Snapshot()
		logging.Supervisor("Tracking task with %d items", snap.Total())
	}
	return changed
}

// Task returns the tracked task state.
func (h *Hierarchy) Task() TaskSnapshot {
	return h.tasks.Snapshot()
}

// Tasks exposes the shared task tracker.
func (h *Hierarchy) Tasks() *TaskTracker {
	return h.tasks
}

// SetEnabled toggles one node. Returns false for an unknown id.
func (h *Hierarchy) SetEnabled(id string, enabled bool) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.byID[id]
	if !ok {
		return false
	}
	setEnabled(n, enabled)
	return true
}

// ApplyDisabled enables every node except the listed ids.
func (h *Hierarchy) ApplyDisabled(ids []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.applyDisabledLocked(ids)
}

func (h *Hierarchy) applyDisabledLocked(ids []string) {
	off := make(map[string]bool, len(ids))
	for _, id := range ids {
		off[id] = true
		if _, ok := h.byID[id]; !ok {
			logging.SupervisorWarn("Unknown supervisor id in disabled list: %s", id)
		}
	}
	for id, n := range h.byID {
		setEnabled(n, !off[id])
	}
}

func setEnabled(n Node, enabled bool) {
	switch v := n.(type) {
	case *Router:
		v.enabled.Store(enabled)
	case *Coordinator:
		v.enabled.Store(enabled)
	case *Specialist:
		v.enabled.Store(enabled)
	}
}

// UpdateRules replaces the rule specialists. In-flight analyses finish
// against the old set.
func (h *Hierarchy) UpdateRules(rules []config.RuleConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setRulesLocked(rules)
}

func (h *Hierarchy) setRulesLocked(rules []config.RuleConfig) error {
	fresh := make([]*Specialist, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	var keywords []string
	var descs []string
	for _, rc := range rules {
		id := rc.ID
		if id == "" || seen[id] {
			return fmt.Errorf("rule id %q is empty or duplicated", id)
		}
		if _, ok := h.byID[id]; ok && h.parent[id] != RulesCoordinatorID {
			return fmt.Errorf("rule id %q collides with supervisor", id)
		}
		seen[id] = true
		sev := SeverityMedium
		if rc.Severity != "" {
			s, err := ParseSeverity(rc.Severity)
			if err != nil {
				return fmt.Errorf("rule %q: %w", id, err)
			}
			sev = s
		}
		fresh = append(fresh, newRuleSpecialist(id, rc.Description, sev, rc.Keywords, h.deps.Classifier, h.ruleThreshold, h.ruleTuning))
		keywords = append(keywords, rc.Keywords...)
		descs = append(descs, rc.Description)
	}

	for _, old := range h.rules.children {
		old.check.stop()
		delete(h.byID, old.id)
		delete(h.parent, old.id)
	}
	for _, sp := range fresh {
		h.byID[sp.id] = sp
		h.parent[sp.id] = RulesCoordinatorID
	}
	h.rules.children = fresh
	h.rules.keywords = keywords
	h.rules.description = "project rules: " + strings.Join(descs, "; ")
	h.router.descriptions[RulesCoordinatorID] = h.rules.description
	return nil
}

// Nodes lists every node in tree order.
func (h *Hierarchy) Nodes() []NodeInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []NodeInfo
	var walk func(Node)
	walk = func(n Node) {
		info := n.Info()
		info.Parent = h.parent[info.ID]
		out = append(out, info)
		switch v := n.(type) {
		case *Router:
			for _, c := range v.children {
				walk(c)
			}
		case *Coordinator:
			for _, c := range v.children {
				walk(c)
			}
		}
	}
	walk(h.router)
	return out
}

// Lookup returns the node with the given id.
func (h *Hierarchy) Lookup(id string) (NodeInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.byID[id]
	if !ok {
		return NodeInfo{}, false
	}
	info := n.Info()
	info.Parent = h.parent[id]
	return info, true
}

// Stop cancels every pending batch. The tree can still be used afterwards.
func (h *Hierarchy) Stop() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.router.batch.Stop()
	for _, n := range h.byID {
		if sp, ok := n.(*Specialist); ok {
			sp.check.stop()
		}
	}
}
