package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// Capability names a class of side effect a plugin may perform.
type Capability string

const (
	CapNetwork       Capability = "network"
	CapFilesystem    Capability = "filesystem"
	CapExec          Capability = "exec"
	CapEventsRead    Capability = "events:read"
	CapEventsWrite   Capability = "events:write"
	CapSourceControl Capability = "source-control"
	CapAIProvider    Capability = "ai-provider"
	CapSecrets       Capability = "secrets"
)

// All lists every capability in declaration order.
func All() []Capability {
	return []Capability{
		CapNetwork, CapFilesystem, CapExec, CapEventsRead,
		CapEventsWrite, CapSourceControl, CapAIProvider, CapSecrets,
	}
}

// ParseCapability accepts only the closed set of capability names.
func ParseCapability(value string) (Capability, error) {
	candidate := Capability(strings.ToLower(strings.TrimSpace(value)))
	for _, c := range All() {
		if c == candidate {
			return c, nil
		}
	}
	return "", fmt.Errorf("sandbox: unknown capability %q", value)
}

// Set is an unordered capability set.
type Set map[Capability]struct{}

// NewSet builds a set from caps.
func NewSet(caps ...Capability) Set {
	set := make(Set, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Missing returns the members of want not present in s, sorted.
func (s Set) Missing(want []Capability) []Capability {
	var out []Capability
	for _, c := range want {
		if !s.Has(c) {
			out = append(out, c)
		}
	}
	sortCapabilities(out)
	return out
}

// Slice returns the members sorted by name.
func (s Set) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sortCapabilities(out)
	return out
}

// Strings returns the sorted member names.
func (s Set) Strings() []string {
	caps := s.Slice()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func sortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
}
