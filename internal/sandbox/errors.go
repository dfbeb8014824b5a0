package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityDenied marks use of a capability the plugin was not granted.
	ErrCapabilityDenied = errors.New("sandbox: capability denied")
	// ErrEgressDenied marks a network destination outside the egress policy.
	ErrEgressDenied = errors.New("sandbox: egress denied")
	// ErrClosed is returned by handles used after Close.
	ErrClosed = errors.New("sandbox: closed")
)

// CapabilityDeniedError names the capability and plugin involved.
type CapabilityDeniedError struct {
	Capability Capability
	Plugin     string
}

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("sandbox: plugin %s was not granted %s", e.Plugin, e.Capability)
}

func (e *CapabilityDeniedError) Unwrap() error { return ErrCapabilityDenied }

// EgressDeniedError describes a blocked destination.
type EgressDeniedError struct {
	Target string
	Reason string
}

func (e *EgressDeniedError) Error() string {
	return fmt.Sprintf("sandbox: egress to %s denied: %s", e.Target, e.Reason)
}

func (e *EgressDeniedError) Unwrap() error { return ErrEgressDenied }
