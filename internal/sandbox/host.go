package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

// CallResult is what external collaborators return.
type CallResult struct {
	Success bool           `json:"success"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Collaborator is a black-box external service (source control, AI provider).
type Collaborator interface {
	Call(ctx context.Context, op string, args map[string]any) (CallResult, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, op string, args map[string]any) (CallResult, error)

func (f CollaboratorFunc) Call(ctx context.Context, op string, args map[string]any) (CallResult, error) {
	return f(ctx, op, args)
}

// SecretStore resolves named secrets.
type SecretStore interface {
	Secret(ctx context.Context, name string) (string, error)
}

// EnvSecrets reads secrets from environment variables named Prefix+NAME.
type EnvSecrets struct {
	Prefix string
}

func (e EnvSecrets) Secret(_ context.Context, name string) (string, error) {
	key := e.Prefix + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("sandbox: secret %s not found", name)
	}
	return value, nil
}

// MapSecrets serves secrets from memory.
type MapSecrets map[string]string

func (m MapSecrets) Secret(_ context.Context, name string) (string, error) {
	value, ok := m[name]
	if !ok {
		return "", fmt.Errorf("sandbox: secret %s not found", name)
	}
	return value, nil
}

// ExecLimits bounds subprocesses started through the exec capability.
type ExecLimits struct {
	Timeout         time.Duration
	MaxOutputBytes  int
	AllowedCommands []string
}

const (
	defaultExecTimeout    = time.Minute
	defaultMaxOutputBytes = 1 << 20
	defaultCallTimeout    = 2 * time.Minute
)

func (l ExecLimits) normalized() ExecLimits {
	if l.Timeout <= 0 {
		l.Timeout = defaultExecTimeout
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = defaultMaxOutputBytes
	}
	return l
}

// Host is the unrestricted execution context a sandbox narrows per plugin.
type Host struct {
	Events        eventlog.ReadWriter
	SourceControl Collaborator
	AIProvider    Collaborator
	Secrets       SecretStore
	ScratchRoot   string
	Egress        EgressPolicy
	Exec          ExecLimits
	CallTimeout   time.Duration
	Logger        *slog.Logger
}

// Scope identifies the invocation a sandbox serves.
type Scope struct {
	Plugin          string
	Version         string
	RunID           string
	IssueID         string
	Step            string
	WorkflowVersion string
}
