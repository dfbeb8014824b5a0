// Package natssink fans appended events out to NATS subjects so external
// consumers can follow the log without polling it.
package natssink

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

// DefaultPrefix is the subject root used when none is configured.
const DefaultPrefix = "lattice.events"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink publishes the wire form of each event to <prefix>.<type lower-cased>.
type Sink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// New builds a sink on an existing publisher.
func New(pub Publisher, prefix string, logger *slog.Logger) *Sink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sink{pub: pub, prefix: prefix, logger: logger}
}

// Connect dials NATS and returns a sink plus a close function.
func Connect(url, prefix string, logger *slog.Logger) (*Sink, func(), error) {
	conn, err := nats.Connect(url,
		nats.Name("lattice-orchestrator"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("natssink: connect %s: %w", url, err)
	}
	closer := func() {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	return New(conn, prefix, logger), closer, nil
}

// Subject maps an event type onto a subject under prefix.
func (s *Sink) Subject(eventType string) string {
	return s.prefix + "." + strings.ToLower(eventType)
}

// Deliver publishes ev. Failures are logged and never reach the appender.
func (s *Sink) Deliver(ev eventlog.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("natssink: encode event", "event", ev.ID, "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(ev.Type), payload); err != nil {
		s.logger.Warn("natssink: publish event", "event", ev.ID, "type", ev.Type, "error", err)
	}
}
