package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"thinkwatch/internal/classifier"
	"thinkwatch/internal/logging"
	"thinkwatch/internal/textnorm"

	"golang.org/x/sync/errgroup"
)

// Node is one of *Router, *Coordinator or *Specialist. The set is closed.
type Node interface {
	Info() NodeInfo
	isNode()
}

type base struct {
	id       string
	name     string
	enabled  atomic.Bool
	keywords []string
}

func (b *base) init(id, name string, keywords []string) {
	b.id, b.name, b.keywords = id, name, keywords
	b.enabled.Store(true)
}

func (b *base) Enabled() bool { return b.enabled.Load() }

func (b *base) matches(text string) bool {
	return textnorm.MatchAny(text, b.keywords) != ""
}

func (b *base) info(t NodeType) NodeInfo {
	return NodeInfo{
		ID:       b.id,
		Name:     b.name,
		Type:     t,
		Enabled:  b.Enabled(),
		Keywords: append([]string(nil), b.keywords...),
	}
}

// analyzeNode dispatches one analysis to the node's variant.
func analyzeNode(ctx context.Context, n Node, req Request) (Result, error) {
	switch v := n.(type) {
	case *Router:
		return v.analyze(ctx, req), nil
	case *Coordinator:
		return v.analyze(ctx, req), nil
	case *Specialist:
		return v.analyze(ctx, req)
	}
	return Result{}, fmt.Errorf("unknown node type %T", n)
}

func okResult(id, name, msg string, start time.Time) Result {
	return Result{
		SupervisorID:   id,
		SupervisorName: name,
		Status:         StatusOK,
		Message:        msg,
		Timestamp:      time.Now(),
		ProcessingTime: time.Since(start),
	}
}

// =============================================================================
// ROUTER
// =============================================================================

// Router selects the child whose keywords match a chunk, falling back to a
// classifier call when none do.
type Router struct {
	base
	children     []Node
	descriptions map[string]string
	cls          classifier.Classifier
	cache        *TTLCache[string, string]
	batch        *Batcher[string]
	prefixLen    int
}

func (r *Router) isNode() {}

// Info implements Node.
func (r *Router) Info() NodeInfo {
	info := r.info(TypeRouter)
	for _, c := range r.children {
		info.Children = append(info.Children, c.Info().ID)
	}
	return info
}

func newRouter(id, name string, cls classifier.Classifier, cacheTTL, debounce time.Duration, prefixLen int) *Router {
	r := &Router{
		descriptions: make(map[string]string),
		cls:          cls,
		cache:        NewTTLCache[string, string](200, cacheTTL),
		prefixLen:    prefixLen,
	}
	r.init(id, name, nil)
	r.batch = NewBatcher(debounce, 2000, r.classifyTopic)
	return r
}

func (r *Router) analyze(ctx context.Context, req Request) Result {
	start := time.Now()
	candidates := r.routable()

	for _, child := range candidates {
		if nodeMatches(child, req.Text) {
			logging.SupervisorDebug("Router: keyword route to %s", child.Info().ID)
			return r.delegate(ctx, child, req, start)
		}
	}

	if r.cls == nil || len(candidates) == 0 {
		return okResult(r.id, r.name, "no matching supervisor", start)
	}

	key := textnorm.Prefix(textnorm.Normalize(req.Text), r.prefixLen)
	topic, ok := r.cache.Get(key)
	if !ok {
		var err error
		topic, err = r.batch.Submit(ctx, req.Text)
		if err != nil {
			logging.SupervisorWarn("Router: classification failed, treating as ok: %v", err)
			return okResult(r.id, r.name, "routing unavailable", start)
		}
		r.cache.Set(key, topic)
	}

	if topic == "none" || topic == "" {
		return okResult(r.id, r.name, "no relevant supervisor", start)
	}
	for _, child := range candidates {
		info := child.Info()
		if topic == strings.ToLower(info.ID) || topic == strings.ToLower(info.Name) {
			logging.SupervisorDebug("Router: classifier route to %s", info.ID)
			return r.delegate(ctx, child, req, start)
		}
	}
	logging.SupervisorDebug("Router: classifier returned unknown topic %q", topic)
	return okResult(r.id, r.name, "no relevant supervisor", start)
}

func (r *Router) delegate(ctx context.Context, child Node, req Request, start time.Time) Result {
	res, err := analyzeNode(ctx, child, req)
	if err != nil {
		logging.SupervisorWarn("Router: %s failed, treating as ok: %v", child.Info().ID, err)
		info := child.Info()
		return okResult(info.ID, info.Name, "check failed", start)
	}
	return res
}

// routable returns enabled children that can do work.
func (r *Router) routable() []Node {
	var out []Node
	for _, c := range r.children {
		switch v := c.(type) {
		case *Coordinator:
			if v.Enabled() && len(v.enabledChildren()) > 0 {
				out = append(out, v)
			}
		case *Specialist:
			if v.Enabled() {
				out = append(out, v)
			}
		case *Router:
			if v.Enabled() {
				out = append(out, v)
			}
		}
	}
	return out
}

func (r *Router) classifyTopic(ctx context.Context, text string) (string, error) {
	candidates := r.routable()
	topics := make([]NodeInfo, 0, len(candidates))
	for _, c := range candidates {
		topics = append(topics, c.Info())
	}
	raw, err := r.cls.Classify(ctx, classifier.Request{
		System:    routerSystemPrompt,
		User:      routerUserPrompt(topics, r.descriptions, text),
		MaxTokens: 20,
		Tier:      classifier.TierFast,
	})
	if err != nil {
		return "", err
	}
	topic := strings.ToLower(strings.Trim(strings.TrimSpace(raw), "\"'`.: "))
	if fields := strings.Fields(topic); len(fields) > 0 {
		topic = fields[0]
	}
	return topic, nil
}

func nodeMatches(n Node, text string) bool {
	switch v := n.(type) {
	case *Coordinator:
		return v.matches(text)
	case *Specialist:
		return v.matches(text)
	case *Router:
		return v.matches(text)
	}
	return false
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator runs its matching specialists concurrently and keeps the most
// severe alert.
type Coordinator struct {
	base
	description string
	children    []*Specialist
}

func (c *Coordinator) isNode() {}

// Info implements Node.
func (c *Coordinator) Info() NodeInfo {
	info := c.info(TypeCoordinator)
	for _, s := range c.children {
		info.Children = append(info.Children, s.id)
	}
	return info
}

func (c *Coordinator) enabledChildren() []*Specialist {
	var out []*Specialist
	for _, s := range c.children {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) analyze(ctx context.Context, req Request) Result {
	start := time.Now()
	enabled := c.enabledChildren()
	if len(enabled) == 0 {
		return okResult(c.id, c.name, "no enabled checks", start)
	}

	var selected []*Specialist
	for _, s := range enabled {
		if s.matches(req.Text) {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		selected = enabled
	}

	results := make([]Result, len(selected))
	var g errgroup.Group
	for i, s := range selected {
		i, s := i, s
		g.Go(func() error {
			results[i] = c.runChild(ctx, s, req)
			return nil
		})
	}
	_ = g.Wait()

	res, ok := mostSevere(results)
	if !ok {
		return okResult(c.id, c.name, fmt.Sprintf("%d checks passed", len(results)), start)
	}
	res.SupervisorName = c.name + " > " + res.SupervisorName
	return res
}

// runChild analyzes one specialist, converting a failure or panic into ok.
func (c *Coordinator) runChild(ctx context.Context, s *Specialist, req Request) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logging.SupervisorWarn("Coordinator %s: specialist %s panicked: %v", c.id, s.id, p)
			res = okResult(s.id, s.name, fmt.Sprintf("check failed: %v", p), start)
		}
	}()
	r, err := analyzeNode(ctx, s, req)
	if err != nil {
		logging.SupervisorWarn("Coordinator %s: specialist %s failed: %v", c.id, s.id, err)
		return okResult(s.id, s.name, "check failed: "+err.Error(), start)
	}
	return r
}

// mostSevere returns the highest severity alert; ties keep the earliest.
func mostSevere(results []Result) (Result, bool) {
	best := -1
	for i, r := range results {
		if !r.IsAlert() {
			continue
		}
		if best < 0 || r.Severity > results[best].Severity {
			best = i
		}
	}
	if best < 0 {
		return Result{}, false
	}
	return results[best], true
}

// =============================================================================
// SPECIALIST
// =============================================================================

// Specialist is a leaf check: behavior, scope or rule.
type Specialist struct {
	base
	kind  string
	check checker
}

// checker is the per-kind analysis behind a Specialist.
type checker interface {
	run(ctx context.Context, s *Specialist, req Request) (Result, error)
	stop()
}

func (s *Specialist) isNode() {}

// Info implements Node.
func (s *Specialist) Info() NodeInfo {
	info := s.info(TypeSpecialist)
	info.Kind = s.kind
	return info
}

func (s *Specialist) analyze(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := s.check.run(ctx, s, req)
	if err != nil {
		return Result{}, err
	}
	if res.SupervisorID == "" {
		res.SupervisorID = s.id
	}
	if res.SupervisorName == "" {
		res.SupervisorName = s.name
	}
	res.Timestamp = time.Now()
	res.ProcessingTime = time.Since(start)
	if res.IsAlert() && res.ThinkingSnippet == "" {
		res.ThinkingSnippet = snippet(req.Text)
	}
	return res, nil
}
