// Package proxy is the local reverse proxy in front of the upstream Messages
// API. Responses are passed through unchanged; event-stream bodies are also
// copied to an Observer as they are written to the caller.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"thinkwatch/internal/logging"
)

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("proxy: already running")
	// ErrNotRunning is returned by Stop on a stopped server.
	ErrNotRunning = errors.New("proxy: not running")
)

// Observer receives copies of proxied traffic. ObserveStream is called once
// per event-stream response and may return nil to skip it; the returned
// writer receives the body bytes as they pass through and is closed at end
// of body. Writes happen on the forwarding path and must not block.
type Observer interface {
	ObserveStream(r *http.Request) io.WriteCloser
	ObserveTask(text string)
}

// Config configures a Server.
type Config struct {
	Listen            string
	UpstreamHost      string
	UpstreamPort      int
	MessagesPath      string
	ShutdownGrace     time.Duration
	MaxRequestCapture int64

	// Scheme defaults to https.
	Scheme string
	// Transport defaults to a clone of http.DefaultTransport.
	Transport http.RoundTripper
}

// Stats counts proxied traffic.
type Stats struct {
	Requests       int64 `json:"requests"`
	Streams        int64 `json:"streams"`
	UpstreamErrors int64 `json:"upstreamErrors"`
	TasksCaptured  int64 `json:"tasksCaptured"`
}

// Server forwards local requests to the upstream host.
type Server struct {
	cfg      Config
	target   *url.URL
	observer Observer
	handler  http.Handler

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}

	requests       atomic.Int64
	streams        atomic.Int64
	upstreamErrors atomic.Int64
	tasks          atomic.Int64
}

// New creates a Server. observer may be nil.
func New(cfg Config, observer Observer) *Server {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.UpstreamPort == 0 {
		cfg.UpstreamPort = 443
	}
	if cfg.MessagesPath == "" {
		cfg.MessagesPath = "/v1/messages"
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	if cfg.MaxRequestCapture <= 0 {
		cfg.MaxRequestCapture = 4 << 20
	}
	if cfg.Transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ForceAttemptHTTP2 = true
		t.TLSHandshakeTimeout = 10 * time.Second
		cfg.Transport = t
	}

	host := cfg.UpstreamHost
	if !(cfg.Scheme == "https" && cfg.UpstreamPort == 443) && !(cfg.Scheme == "http" && cfg.UpstreamPort == 80) {
		host = net.JoinHostPort(cfg.UpstreamHost, strconv.Itoa(cfg.UpstreamPort))
	}

	s := &Server{
		cfg:      cfg,
		target:   &url.URL{Scheme: cfg.Scheme, Host: host},
		observer: observer,
	}
	s.handler = s.buildHandler()
	return s
}

func (s *Server) buildHandler() http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.target)
			pr.Out.Host = s.target.Host
			sanitizeHeaders(pr.Out.Header)
		},
		Transport:      s.cfg.Transport,
		FlushInterval:  -1,
		ModifyResponse: s.modifyResponse,
		ErrorHandler:   s.errorHandler,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		logging.ProxyDebug("%s %s", r.Method, r.URL.Path)
		if r.Method == http.MethodPost && r.URL.Path == s.cfg.MessagesPath {
			s.captureTask(r)
		}
		rp.ServeHTTP(w, r)
	})
}

func (s *Server) captureTask(r *http.Request) {
	body, ok, err := captureRequest(r, s.cfg.MaxRequestCapture)
	if err != nil {
		logging.ProxyWarn("Failed to read request body: %v", err)
		return
	}
	if !ok || s.observer == nil {
		return
	}
	if text := lastUserText(body); text != "" {
		s.tasks.Add(1)
		s.observer.ObserveTask(text)
	}
}

func (s *Server) modifyResponse(resp *http.Response) error {
	sanitizeHeaders(resp.Header)
	if s.observer == nil || !isEventStream(resp.Header) {
		return nil
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		logging.ProxyWarn("Not mirroring %s-encoded event stream", enc)
		return nil
	}
	sink := s.observer.ObserveStream(resp.Request)
	if sink == nil {
		return nil
	}
	s.streams.Add(1)
	logging.Proxy("Mirroring event stream for %s", resp.Request.URL.Path)
	resp.Body = &teeBody{rc: resp.Body, sink: sink}
	return nil
}

func (s *Server) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		logging.ProxyDebug("Client went away: %s %s", r.Method, r.URL.Path)
		return
	}
	s.upstreamErrors.Add(1)
	logging.ProxyError("Upstream request failed: %s %s: %v", r.Method, r.URL.Path, err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, "upstream error: %v\n", err)
}

// ServeHTTP lets the proxy be mounted on an existing server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start binds the listener and serves in the background. A bind failure is
// returned as an error.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ProxyError("Serve exited: %v", err)
		}
	}()

	s.srv, s.listener, s.done = srv, ln, done
	logging.Proxy("Listening on %s -> %s", ln.Addr(), s.target)
	return nil
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Running reports whether the server is started.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Stop closes the listener and waits up to the shutdown grace for in-flight
// requests, then closes remaining connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return ErrNotRunning
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		logging.ProxyWarn("Graceful shutdown incomplete, closing connections: %v", err)
		err = srv.Close()
	}
	<-done
	logging.Proxy("Stopped")
	return err
}

// Stats returns traffic counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests:       s.requests.Load(),
		Streams:        s.streams.Load(),
		UpstreamErrors: s.upstreamErrors.Load(),
		TasksCaptured:  s.tasks.Load(),
	}
}

// teeBody copies everything read from rc into sink.
type teeBody struct {
	rc     io.ReadCloser
	sink   io.WriteCloser
	closed sync.Once
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		if _, werr := t.sink.Write(p[:n]); werr != nil {
			logging.ProxyWarn("Stream observer write failed: %v", werr)
		}
	}
	if err != nil {
		t.closeSink()
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.closeSink()
	return t.rc.Close()
}

func (t *teeBody) closeSink() {
	t.closed.Do(func() {
		if err := t.sink.Close(); err != nil {
			logging.ProxyWarn("Stream observer close failed: %v", err)
		}
	})
}
