package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

var (
	// ErrInvalidPlugin marks a manifest that fails shape or version validation.
	ErrInvalidPlugin = errors.New("plugin: invalid plugin")
	// ErrCapabilityNotApproved marks an install whose capabilities lack operator approval.
	ErrCapabilityNotApproved = errors.New("plugin: capability not approved")
	// ErrUnknownPlugin is returned when no installed version satisfies a lookup.
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")
	// ErrAlreadyInstalled is returned when the exact name and version is already registered.
	ErrAlreadyInstalled = errors.New("plugin: version already installed")
	// ErrTimeout marks an execution that exceeded its wall-clock budget.
	ErrTimeout = errors.New("plugin: execution timed out")
)

// InvalidPluginError lists every problem found in a manifest.
type InvalidPluginError struct {
	Plugin   string
	Problems []string
}

func (e *InvalidPluginError) Error() string {
	name := e.Plugin
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("plugin %s: invalid manifest: %s", name, strings.Join(e.Problems, "; "))
}

func (e *InvalidPluginError) Unwrap() error { return ErrInvalidPlugin }

// NotApprovedError names the capabilities missing an approval.
type NotApprovedError struct {
	Plugin  string
	Version string
	Missing []sandbox.Capability
}

func (e *NotApprovedError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return fmt.Sprintf("plugin %s@%s: capabilities not approved: %s", e.Plugin, e.Version, strings.Join(names, ", "))
}

func (e *NotApprovedError) Unwrap() error { return ErrCapabilityNotApproved }
