package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Origin records who produced an event.
type Origin string

const (
	OriginSystem Origin = "system"
	OriginPlugin Origin = "plugin"
	// OriginExternal marks events ingested through the bridge.
	OriginExternal Origin = "external"
)

// Metadata carries the fixed envelope fields every event has.
type Metadata struct {
	WorkflowVersion string `json:"workflowVersion"`
	EventSource     Origin `json:"eventSource"`
}

// Tags index an event into any number of logical streams (issue, run, plugin).
type Tags map[string]string

// Clone returns a copy of the tag set.
func (t Tags) Clone() Tags {
	if len(t) == 0 {
		return Tags{}
	}
	out := make(Tags, len(t))
	for key, value := range t {
		out[key] = value
	}
	return out
}

// With returns a copy of the tag set with key set to value.
func (t Tags) With(key, value string) Tags {
	out := t.Clone()
	out[key] = value
	return out
}

// Keys returns the tag keys in sorted order.
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Contains reports whether every constraint in want is present in t.
func (t Tags) Contains(want map[string]string) bool {
	for key, value := range want {
		got, ok := t[key]
		if !ok || got != value {
			return false
		}
	}
	return true
}

// StringTag renders numeric and boolean facts as tag values.
func StringTag(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Event is the immutable record of a single state transition. Position is
// assigned by the store on append and is not part of the wire shape.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Tags      Tags            `json:"tags"`
	Metadata  Metadata        `json:"metadata"`
	Data      json.RawMessage `json:"data"`
	Position  int64           `json:"-"`
}

var typePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*(\.[A-Z][A-Z0-9_]*){1,2}$`)

var emptyObject = json.RawMessage(`{}`)

// NewEvent builds a system event with data marshalled to JSON. ID and
// timestamp are stamped by the log on append.
func NewEvent(eventType string, tags Tags, data any) (Event, error) {
	ev := Event{
		Type:     eventType,
		Tags:     tags.Clone(),
		Metadata: Metadata{EventSource: OriginSystem},
		Data:     emptyObject,
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: encode %s data: %w", eventType, err)
		}
		ev.Data = encoded
	}
	return ev, nil
}

// Validate checks the event shape. Invalid events never reach storage.
func (e Event) Validate() error {
	if !typePattern.MatchString(e.Type) {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%q must match SUBJECT.ACTION[.OUTCOME]", e.Type)}
	}
	for key := range e.Tags {
		if strings.TrimSpace(key) == "" {
			return &ValidationError{Field: "tags", Reason: "tag keys must be non-empty"}
		}
	}
	switch e.Metadata.EventSource {
	case OriginSystem, OriginPlugin, OriginExternal:
	default:
		return &ValidationError{Field: "metadata.eventSource", Reason: fmt.Sprintf("unknown origin %q", e.Metadata.EventSource)}
	}
	if len(e.Data) > 0 {
		trimmed := bytes.TrimSpace(e.Data)
		if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
			return &ValidationError{Field: "data", Reason: "data must be a JSON object"}
		}
	}
	return nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("eventlog: decode %s %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (e Event) Clone() Event {
	out := e
	out.Tags = e.Tags.Clone()
	if len(e.Data) > 0 {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	return out
}

func (e Event) normalized() Event {
	out := e.Clone()
	if out.Metadata.EventSource == "" {
		out.Metadata.EventSource = OriginSystem
	}
	if len(out.Data) == 0 {
		out.Data = emptyObject
	}
	return out
}
