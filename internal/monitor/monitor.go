// Package monitor wires the interceptor's reasoning chunks through the
// supervisor tree, the escalation engine and the pattern learner, and emits
// the resulting events.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"thinkwatch/internal/classifier"
	"thinkwatch/internal/config"
	"thinkwatch/internal/escalation"
	"thinkwatch/internal/events"
	"thinkwatch/internal/interceptor"
	"thinkwatch/internal/learning"
	"thinkwatch/internal/logging"
	"thinkwatch/internal/proxy"
	"thinkwatch/internal/store"
	"thinkwatch/internal/stream"
	"thinkwatch/internal/supervisor"

	"golang.org/x/sync/errgroup"
)

// Options configures a Monitor.
type Options struct {
	Config     *config.Config
	Classifier classifier.Classifier
	// Store defaults to an in-memory store.
	Store store.KV
	// Bus defaults to a new bus sized from the config.
	Bus *events.Bus
	// ConfigPath is watched for rule and enable/disable changes when set.
	ConfigPath string
	// Workers bounds concurrent chunk analyses. Defaults to 4.
	Workers int
	// Transport overrides the upstream transport, for tests.
	Transport http.RoundTripper
	// UpstreamScheme overrides the upstream scheme, for tests.
	UpstreamScheme string
}

// Verdict is the payload of a verdict event.
type Verdict struct {
	ChunkID    string            `json:"chunkId"`
	Result     supervisor.Result `json:"result"`
	Confidence float64           `json:"confidence"`
	PatternID  string            `json:"patternId,omitempty"`
	Escalated  bool              `json:"escalated"`
	Outcome    string            `json:"outcome,omitempty"`
}

// EscalationStarted is the payload of an escalation-started event.
type EscalationStarted struct {
	ChunkID    string            `json:"chunkId"`
	Result     supervisor.Result `json:"result"`
	Confidence float64           `json:"confidence"`
}

// EscalationComplete is the payload of an escalation-complete event.
type EscalationComplete struct {
	ChunkID    string             `json:"chunkId"`
	Verdict    escalation.Verdict `json:"verdict"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason,omitempty"`
	Final      supervisor.Result  `json:"final"`
}

// PatternLearned is the payload of a pattern-learned event. Exactly one of
// Escalation and Phrase is set.
type PatternLearned struct {
	Escalation *escalation.LearnedPattern `json:"escalation,omitempty"`
	Phrase     *learning.Pattern          `json:"phrase,omitempty"`
}

// Monitor runs the whole pipeline.
type Monitor struct {
	ic      *interceptor.Interceptor
	tree    *supervisor.Hierarchy
	engine  *escalation.Engine
	learner *learning.Learner
	bus     *events.Bus
	ownBus  bool
	kv      store.KV
	stats   *statsBook

	configPath string
	workers    int
	grace      time.Duration
	escalateOK atomic.Bool

	saveMu sync.Mutex
}

// New builds a monitor and loads persisted patterns and stats.
func New(opts Options) (*Monitor, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Monitor{
		bus:        opts.Bus,
		kv:         opts.Store,
		stats:      newStatsBook(time.Now),
		configPath: opts.ConfigPath,
		workers:    opts.Workers,
		grace:      cfg.GetShutdownGrace(),
	}
	if m.bus == nil {
		m.bus = events.NewBus(cfg.Events.Buffer)
		m.ownBus = true
	}
	if m.kv == nil {
		m.kv = store.NewMemory()
	}
	if m.workers <= 0 {
		m.workers = 4
	}
	m.escalateOK.Store(cfg.Escalation.EscalateOK)

	m.learner = learning.NewLearner(learning.OptionsFromConfig(cfg))
	if err := m.learner.Load(m.kv); err != nil {
		logging.MonitorWarn("Starting with no learned phrases: %v", err)
	}
	m.engine = escalation.NewEngine(escalation.OptionsFromConfig(cfg), opts.Classifier)
	if err := m.engine.Load(m.kv); err != nil {
		logging.MonitorWarn("Starting with no learned patterns: %v", err)
	}
	if sessions, err := LoadStats(m.kv); err != nil {
		logging.MonitorWarn("Starting with empty session stats: %v", err)
	} else {
		m.stats.replace(sessions)
	}

	tree, err := supervisor.Build(cfg, supervisor.Deps{Classifier: opts.Classifier, Patterns: m.learner})
	if err != nil {
		return nil, fmt.Errorf("failed to build supervisors: %w", err)
	}
	m.tree = tree

	pc := proxy.Config{
		Listen:            cfg.Proxy.Listen,
		UpstreamHost:      cfg.Proxy.UpstreamHost,
		UpstreamPort:      cfg.Proxy.UpstreamPort,
		MessagesPath:      cfg.Proxy.MessagesPath,
		ShutdownGrace:     cfg.GetShutdownGrace(),
		MaxRequestCapture: cfg.Proxy.MaxRequestCapture,
		Scheme:            opts.UpstreamScheme,
		Transport:         opts.Transport,
	}
	m.ic = interceptor.New(interceptor.Options{
		Proxy: pc,
		Tracker: stream.Options{
			MinChunkSize:  cfg.Tracker.MinChunkSize,
			FlushInterval: cfg.GetFlushInterval(),
		},
	}, statsPublisher{m})
	m.ic.OnTask(m.onTask)
	m.ic.OnStop(m.tree.Stop)
	return m, nil
}

// Run starts the proxy and analyzes chunks until ctx is done, then stops the
// proxy, waits for in-flight analyses and persists state.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.ic.Start(); err != nil {
		return fmt.Errorf("failed to start interceptor: %w", err)
	}
	logging.Monitor("Monitoring on %s", m.ic.Addr())

	if m.configPath != "" {
		w, err := config.NewWatcher(m.configPath, m.Reload)
		if err != nil {
			logging.MonitorWarn("Config watcher unavailable: %v", err)
		} else if err := w.Start(ctx); err != nil {
			logging.MonitorWarn("Config watcher unavailable: %v", err)
		} else {
			defer w.Stop()
		}
	}

	var g errgroup.Group
	g.SetLimit(m.workers)
	chunks := m.ic.Chunks()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case c := <-chunks:
			g.Go(func() error {
				m.Process(ctx, c)
				return nil
			})
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), m.grace)
	defer cancel()
	stopErr := m.ic.Stop(stopCtx)
	_ = g.Wait()
	// Analyses that raced the stop may have re-armed debounce timers.
	m.tree.Stop()

	if err := m.Save(); err != nil {
		logging.MonitorWarn("Failed to persist state: %v", err)
	}
	if m.ownBus {
		m.bus.Close()
	}
	if stopErr != nil {
		return fmt.Errorf("failed to stop interceptor: %w", stopErr)
	}
	return nil
}

// Process analyzes one chunk end to end and returns the published verdict.
func (m *Monitor) Process(ctx context.Context, c stream.ReasoningChunk) Verdict {
	res := m.tree.Analyze(ctx, c.Content, c.SessionID, c.ID)
	ectx := escalation.Context{Text: c.Content, SessionID: c.SessionID, Task: m.tree.Task()}
	score := m.engine.CalculateConfidence(res, ectx)

	v := Verdict{ChunkID: c.ID, Result: res, Confidence: score.Value, PatternID: score.PatternID}
	confirmed := res.IsAlert()
	overridden := false

	if (res.IsAlert() || m.escalateOK.Load()) && m.engine.ShouldEscalate(score.Value) {
		m.publish(events.KindEscalationStarted, c.SessionID, EscalationStarted{ChunkID: c.ID, Result: res, Confidence: score.Value})
		out := m.engine.EscalateToDeep(ctx, res, ectx)
		m.publish(events.KindEscalationComplete, c.SessionID, EscalationComplete{
			ChunkID:    c.ID,
			Verdict:    out.Verdict,
			Confidence: out.Confidence,
			Reason:     out.Reason,
			Final:      out.Final,
		})
		if out.Learned != nil {
			m.publish(events.KindPatternLearned, c.SessionID, PatternLearned{Escalation: out.Learned})
			m.saveQuietly()
		}

		v.Result = out.Final
		v.Escalated = true
		v.Outcome = string(out.Verdict)
		if out.Verdict != escalation.VerdictUncertain {
			v.Confidence = out.Confidence
		}
		overridden = out.Verdict == escalation.VerdictOverride
		confirmed = out.Verdict == escalation.VerdictConfirm && out.Final.IsAlert()
	}

	m.engine.Record(v.Result)
	if confirmed && v.Result.Kind != "" {
		learned := m.learner.Record(v.Result.Kind, c.Content)
		for i := range learned {
			m.publish(events.KindPatternLearned, c.SessionID, PatternLearned{Phrase: &learned[i]})
		}
		if len(learned) > 0 {
			m.saveQuietly()
		}
	}

	m.stats.chunk(c.SessionID, v.Result.IsAlert(), v.Escalated, overridden)
	m.publish(events.KindVerdict, c.SessionID, v)
	if v.Result.IsAlert() {
		logging.Monitor("Alert [%s/%s] %s: %s", v.Result.Severity, v.Result.Kind, v.Result.SupervisorName, v.Result.Message)
	}
	return v
}

// Reload applies rule and enable/disable changes from a new config.
func (m *Monitor) Reload(cfg *config.Config) {
	if err := m.tree.UpdateRules(cfg.Rules); err != nil {
		logging.MonitorWarn("Rules not reloaded: %v", err)
	}
	m.tree.ApplyDisabled(cfg.Supervisors.Disabled)
	m.escalateOK.Store(cfg.Escalation.EscalateOK)
	logging.Monitor("Configuration reloaded: %d rules", len(cfg.Rules))
}

// Save persists learned patterns, learned phrases and session stats.
func (m *Monitor) Save() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.engine.Prune()
	m.learner.Prune()
	if err := m.engine.Save(m.kv); err != nil {
		return err
	}
	if err := m.learner.Save(m.kv); err != nil {
		return err
	}
	if err := m.kv.Set(StatsKey, m.stats.snapshot()); err != nil {
		return fmt.Errorf("failed to save session stats: %w", err)
	}
	return nil
}

func (m *Monitor) saveQuietly() {
	if err := m.Save(); err != nil {
		logging.MonitorWarn("Failed to persist state: %v", err)
	}
}

func (m *Monitor) onTask(text string) {
	if m.tree.SetTask(text) {
		logging.MonitorDebug("Task updated: %d items", m.tree.Task().Total())
	}
}

func (m *Monitor) publish(kind events.Kind, sessionID string, payload any) {
	m.bus.Publish(events.Event{Kind: kind, SessionID: sessionID, Payload: payload})
}

// Addr returns the proxy's bound address once running.
func (m *Monitor) Addr() string { return m.ic.Addr() }

// Running reports whether the proxy is listening.
func (m *Monitor) Running() bool { return m.ic.Running() }

// Bus returns the event bus.
func (m *Monitor) Bus() *events.Bus { return m.bus }

// Hierarchy returns the supervisor tree.
func (m *Monitor) Hierarchy() *supervisor.Hierarchy { return m.tree }

// Engine returns the escalation engine.
func (m *Monitor) Engine() *escalation.Engine { return m.engine }

// Learner returns the pattern learner.
func (m *Monitor) Learner() *learning.Learner { return m.learner }

// Stats returns the tracked sessions, oldest first.
func (m *Monitor) Stats() []SessionStats { return m.stats.snapshot() }

// ProxyStats returns proxy traffic counters.
func (m *Monitor) ProxyStats() proxy.Stats { return m.ic.ProxyStats() }

// DroppedChunks returns how many chunks were dropped because analysis fell behind.
func (m *Monitor) DroppedChunks() int64 { return m.ic.Dropped() }

// statsPublisher records session lifecycle in the stats book before
// forwarding to the bus. It runs under the tracker lock.
type statsPublisher struct{ m *Monitor }

func (p statsPublisher) Publish(ev events.Event) {
	switch v := ev.Payload.(type) {
	case stream.StreamSession:
		if ev.Kind == events.KindSessionStart {
			p.m.stats.start(v.SessionID, v.ModelName, v.StartedAt)
		}
	case stream.SessionEnded:
		p.m.stats.end(v.Session.SessionID, v.Reason)
	case stream.UsageUpdated:
		p.m.stats.usage(v.SessionID, v.InputTokens, v.OutputTokens)
	}
	p.m.bus.Publish(ev)
}
