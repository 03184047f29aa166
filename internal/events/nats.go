package events

import (
	"encoding/json"
	"fmt"
	"time"

	"thinkwatch/internal/logging"

	"github.com/nats-io/nats.go"
)

// publisher is the subset of *nats.Conn the sink needs.
type publisher interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSSink forwards bus events to NATS subjects "<prefix>.<kind>".
type NATSSink struct {
	conn   publisher
	prefix string
	sub    *Subscription
	done   chan struct{}
}

// DialNATS connects to url and returns a sink publishing under prefix.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("thinkwatch"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return newNATSSink(nc, prefix), nil
}

func newNATSSink(conn publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "thinkwatch"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event kind is published on.
func (s *NATSSink) Subject(k Kind) string {
	return s.prefix + "." + string(k)
}

// Attach subscribes the sink to bus and forwards events until the
// subscription closes.
func (s *NATSSink) Attach(bus *Bus) {
	s.sub = bus.Subscribe()
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for ev := range s.sub.C {
			if err := s.send(ev); err != nil {
				logging.EventsWarn("NATS publish failed for %s: %v", ev.Kind, err)
			}
		}
	}()
	logging.Events("NATS sink attached (prefix=%s)", s.prefix)
}

func (s *NATSSink) send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.conn.Publish(s.Subject(ev.Kind), data)
}

// Close detaches from the bus, waits for in-flight events and drains the connection.
func (s *NATSSink) Close() error {
	if s.sub != nil {
		s.sub.Close()
		<-s.done
	}
	return s.conn.Drain()
}
