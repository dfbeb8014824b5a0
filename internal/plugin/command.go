package plugin

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

// CommandLoader runs plugins as external processes through the sandbox exec
// capability. The envelope is written to stdin; a JSON Result is read from
// stdout.
type CommandLoader struct{}

func (CommandLoader) Load(_ context.Context, m Manifest) (Plugin, error) {
	path := m.EntrypointPath()
	args := append([]string(nil), m.Runtime.Args...)
	return PluginFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		stdin, err := encodeEnvelope(inv)
		if err != nil {
			return Result{}, err
		}
		res, err := inv.Sandbox.Exec(ctx, sandbox.Command{Name: path, Args: args, Stdin: stdin})
		if err != nil {
			return Result{}, err
		}
		if res.ExitCode != 0 {
			msg := strings.TrimSpace(string(res.Stderr))
			if msg == "" {
				msg = fmt.Sprintf("exit status %d", res.ExitCode)
			}
			return Result{Success: false, Error: msg}, nil
		}
		out := bytes.TrimSpace(res.Stdout)
		if len(out) == 0 {
			return Result{Success: true}, nil
		}
		return decodeResult(out)
	}), nil
}
