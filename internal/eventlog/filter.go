package eventlog

import "time"

// Filter selects events. Tag constraints are a conjunction of equalities,
// Types is an OR list, and time bounds are inclusive.
type Filter struct {
	Tags          map[string]string
	Types         []string
	Since         time.Time
	Until         time.Time
	AfterPosition int64
	Limit         int
}

// ByTag is shorthand for a single tag-equality filter.
func ByTag(key, value string) Filter {
	return Filter{Tags: map[string]string{key: value}}
}

// WithType returns a copy of the filter restricted to the given types.
func (f Filter) WithType(types ...string) Filter {
	out := f.clone()
	out.Types = append(out.Types, types...)
	return out
}

// Matches reports whether ev satisfies every constraint except Limit.
func (f Filter) Matches(ev Event) bool {
	if ev.Position <= f.AfterPosition {
		return false
	}
	if !ev.Tags.Contains(f.Tags) {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, ev.Type) {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since.Truncate(time.Millisecond)) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func (f Filter) clone() Filter {
	out := f
	if len(f.Tags) > 0 {
		out.Tags = make(map[string]string, len(f.Tags))
		for k, v := range f.Tags {
			out.Tags[k] = v
		}
	}
	if len(f.Types) > 0 {
		out.Types = append([]string(nil), f.Types...)
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
