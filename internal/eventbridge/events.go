// Package eventbridge exposes the event log over HTTP: ingest of external
// events, tag-filtered queries, run projections, Prometheus metrics and a
// live websocket stream fed by the Router.
package eventbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "2.0.0"

// IngestRequest is the body of POST /events: an external fact (an issue was
// labelled, a review landed) recorded in the log.
type IngestRequest struct {
	Type            string            `json:"type"`
	Tags            map[string]string `json:"tags"`
	Data            json.RawMessage   `json:"data,omitempty"`
	WorkflowVersion string            `json:"workflowVersion,omitempty"`
	// IdempotencyKey makes a retried post append at most once.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Normalize applies canonical formatting before validation.
func (r *IngestRequest) Normalize() {
	if r == nil {
		return
	}
	r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	tags := make(map[string]string, len(r.Tags))
	for k, v := range r.Tags {
		tags[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	r.Tags = tags
	if len(bytes.TrimSpace(r.Data)) == 0 {
		r.Data = nil
	}
}

// Validate enforces baseline requirements. The event log validates the
// envelope again on append.
func (r IngestRequest) Validate() error {
	if r.Type == "" {
		return errors.New("type is required")
	}
	if len(r.Tags) == 0 {
		return errors.New("at least one tag is required")
	}
	if _, ok := r.Tags[""]; ok {
		return errors.New("tag keys must be non-empty")
	}
	return nil
}

// Event converts the request into an external-origin event.
func (r IngestRequest) Event() eventlog.Event {
	return eventlog.Event{
		Type: r.Type,
		Tags: eventlog.Tags(r.Tags).Clone(),
		Metadata: eventlog.Metadata{
			WorkflowVersion: r.WorkflowVersion,
			EventSource:     eventlog.OriginExternal,
		},
		Data: r.Data,
	}
}

// EventView is the wire shape of a stored event; unlike eventlog.Event it
// carries the log position so clients can resume.
type EventView struct {
	eventlog.Event
	Position int64 `json:"position"`
}

func viewOf(ev eventlog.Event) EventView {
	return EventView{Event: ev, Position: ev.Position}
}

func viewsOf(events []eventlog.Event) []EventView {
	out := make([]EventView, len(events))
	for i, ev := range events {
		out[i] = viewOf(ev)
	}
	return out
}

// ParseFilter reads a filter from query parameters:
//
//	tag=key:value (repeatable), type=T (repeatable), after=<position>,
//	since=<RFC3339>, until=<RFC3339>, limit=<n>
func ParseFilter(q url.Values) (eventlog.Filter, error) {
	var f eventlog.Filter
	for _, raw := range q["tag"] {
		key, value, ok := strings.Cut(raw, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return eventlog.Filter{}, fmt.Errorf("tag %q must be key:value", raw)
		}
		if f.Tags == nil {
			f.Tags = map[string]string{}
		}
		f.Tags[key] = strings.TrimSpace(value)
	}
	for _, t := range q["type"] {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, t)
		}
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return eventlog.Filter{}, fmt.Errorf("after must be a non-negative position")
		}
		f.AfterPosition = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return eventlog.Filter{}, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return eventlog.Filter{}, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return eventlog.Filter{}, fmt.Errorf("until: %w", err)
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RouterReady   bool   `json:"router_ready"`
	Subscribers   int    `json:"subscribers"`
	Head          int64  `json:"head"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ingestResponse struct {
	Status     string    `json:"status"`
	ID         string    `json:"id,omitempty"`
	Position   int64     `json:"position,omitempty"`
	ServerTime time.Time `json:"server_time"`
}
