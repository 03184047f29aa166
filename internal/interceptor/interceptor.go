// Package interceptor joins the reverse proxy to the SSE reassembler and the
// session tracker, and exposes the resulting reasoning chunks as one channel.
package interceptor

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"thinkwatch/internal/events"
	"thinkwatch/internal/logging"
	"thinkwatch/internal/proxy"
	"thinkwatch/internal/sse"
	"thinkwatch/internal/stream"
)

// Options configures an Interceptor.
type Options struct {
	Proxy       proxy.Config
	Tracker     stream.Options
	ChunkBuffer int
}

// Interceptor owns the proxy and tracker lifecycle.
type Interceptor struct {
	proxy   *proxy.Server
	tracker *stream.Tracker
	bus     events.Publisher

	messagesPath string
	chunks       chan stream.ReasoningChunk
	dropped      atomic.Int64
	nextSource   atomic.Uint64

	mu        sync.Mutex
	onTask    func(string)
	stopHooks []func()
}

// New creates an interceptor publishing lifecycle events to bus (may be nil).
func New(opts Options, bus events.Publisher) *Interceptor {
	if opts.ChunkBuffer <= 0 {
		opts.ChunkBuffer = 1024
	}
	path := opts.Proxy.MessagesPath
	if path == "" {
		path = "/v1/messages"
	}
	i := &Interceptor{
		bus:          bus,
		messagesPath: path,
		chunks:       make(chan stream.ReasoningChunk, opts.ChunkBuffer),
	}
	i.tracker = stream.NewTracker(opts.Tracker, i.onOutput)
	i.proxy = proxy.New(opts.Proxy, i)
	return i
}

// Chunks returns the reasoning chunk stream. It is never closed; consumers
// stop reading when their context ends.
func (i *Interceptor) Chunks() <-chan stream.ReasoningChunk {
	return i.chunks
}

// Dropped returns how many chunks were discarded because the consumer fell behind.
func (i *Interceptor) Dropped() int64 {
	return i.dropped.Load()
}

// OnTask registers the callback for task text captured from requests.
func (i *Interceptor) OnTask(fn func(string)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onTask = fn
}

// OnStop registers a hook run after the proxy stops, e.g. to cancel debounce timers.
func (i *Interceptor) OnStop(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopHooks = append(i.stopHooks, fn)
}

// Start starts the proxy listener.
func (i *Interceptor) Start() error {
	if err := i.proxy.Start(); err != nil {
		return err
	}
	logging.Stream("Interceptor started on %s", i.proxy.Addr())
	return nil
}

// Stop closes the listener, discards the active session's unflushed text and
// runs the stop hooks.
func (i *Interceptor) Stop(ctx context.Context) error {
	err := i.proxy.Stop(ctx)
	i.tracker.Reset()

	i.mu.Lock()
	hooks := append([]func(){}, i.stopHooks...)
	i.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	logging.Stream("Interceptor stopped")
	return err
}

// Addr returns the proxy's bound address.
func (i *Interceptor) Addr() string {
	return i.proxy.Addr()
}

// Running reports whether the proxy is listening.
func (i *Interceptor) Running() bool {
	return i.proxy.Running()
}

// ProxyStats returns the proxy traffic counters.
func (i *Interceptor) ProxyStats() proxy.Stats {
	return i.proxy.Stats()
}

// ActiveSession returns the session being tracked, if any.
func (i *Interceptor) ActiveSession() (stream.StreamSession, bool) {
	return i.tracker.Active()
}

// ObserveStream implements proxy.Observer.
func (i *Interceptor) ObserveStream(r *http.Request) io.WriteCloser {
	if r == nil || r.URL.Path != i.messagesPath {
		return nil
	}
	id := stream.SourceID(i.nextSource.Add(1))
	logging.StreamDebug("Observing stream source=%d", id)
	return &sourceSink{id: id, r: sse.NewReassembler(), tracker: i.tracker}
}

// ObserveTask implements proxy.Observer.
func (i *Interceptor) ObserveTask(text string) {
	i.mu.Lock()
	fn := i.onTask
	i.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// onOutput runs under the tracker lock and must not block.
func (i *Interceptor) onOutput(o stream.Output) {
	switch v := o.(type) {
	case stream.SessionStarted:
		i.publish(events.KindSessionStart, v.Session.SessionID, v.Session)
	case stream.SessionEnded:
		i.publish(events.KindSessionEnd, v.Session.SessionID, v)
	case stream.ChunkEmitted:
		i.publish(events.KindThinkingChunk, v.Chunk.SessionID, v.Chunk)
		select {
		case i.chunks <- v.Chunk:
		default:
			n := i.dropped.Add(1)
			logging.StreamWarn("Chunk consumer behind, dropped chunk %s (%d total)", v.Chunk.ID, n)
		}
	case stream.ResponseText:
		i.publish(events.KindResponseText, v.SessionID, v)
	case stream.UsageUpdated:
		i.publish(events.KindUsage, v.SessionID, v)
	}
}

func (i *Interceptor) publish(kind events.Kind, sessionID string, payload any) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(events.Event{Kind: kind, SessionID: sessionID, Payload: payload})
}

// sourceSink feeds one response body into the shared tracker.
type sourceSink struct {
	id      stream.SourceID
	r       *sse.Reassembler
	tracker *stream.Tracker
}

func (s *sourceSink) Write(p []byte) (int, error) {
	for _, n := range s.r.Feed(p) {
		s.tracker.Handle(s.id, n)
	}
	return len(p), nil
}

func (s *sourceSink) Close() error {
	for _, n := range s.r.Close() {
		s.tracker.Handle(s.id, n)
	}
	s.tracker.SourceClosed(s.id)
	return nil
}
