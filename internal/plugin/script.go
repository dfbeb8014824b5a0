package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

const scriptEntryFunc = "Execute"

// scriptPackages is the stdlib subset a script may import. Anything that
// reaches the host (os, net, os/exec, syscall, unsafe, reflect) is absent;
// side effects go through the lattice/host package instead.
var scriptPackages = []string{
	"bytes/bytes",
	"context/context",
	"encoding/base64/base64",
	"encoding/json/json",
	"errors/errors",
	"fmt/fmt",
	"math/math",
	"path/path",
	"regexp/regexp",
	"slices/slices",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/unicode",
	"unicode/utf8/utf8",
}

func safeSymbols() interp.Exports {
	out := interp.Exports{}
	for _, key := range scriptPackages {
		if symbols, ok := stdlib.Symbols[key]; ok {
			out[key] = symbols
		}
	}
	return out
}

// ScriptLoader interprets Go source with yaegi. The script must declare
//
//	func Execute(ctx context.Context, input map[string]any) (map[string]any, error)
//
// and may import "lattice/host" for capability-mediated side effects.
type ScriptLoader struct{}

func (ScriptLoader) Load(_ context.Context, m Manifest) (Plugin, error) {
	path := m.EntrypointPath()
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read script %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: script %s is empty", path)
	}
	return &scriptPlugin{path: path, source: string(code)}, nil
}

type scriptPlugin struct {
	path   string
	source string
}

type scriptFunc = func(context.Context, map[string]any) (map[string]any, error)

// callPackage hands the invocation's arguments to the interpreted entry call
// and collects its results.
const callPackage = "latticecall"

// scriptCall is evaluated inside the interpreter so that cancelling ctx stops
// the script's own loops, not only the host waiting for them.
const scriptCall = `func() {
	out, err := ` + scriptEntryFunc + `(` + callPackage + `.Context(), ` + callPackage + `.Input())
	` + callPackage + `.Done(out, err)
}()`

// Execute builds a fresh interpreter per invocation so host bindings close
// over this invocation's sandbox only.
func (p *scriptPlugin) Execute(ctx context.Context, inv Invocation) (Result, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(safeSymbols()); err != nil {
		return Result{}, fmt.Errorf("plugin: load script stdlib: %w", err)
	}
	if err := i.Use(hostExports(ctx, inv)); err != nil {
		return Result{}, fmt.Errorf("plugin: load host bindings: %w", err)
	}
	input := inv.Input
	if input == nil {
		input = map[string]any{}
	}
	var (
		payload map[string]any
		callErr error
	)
	if err := i.Use(callExports(ctx, input, func(out map[string]any, err error) {
		payload, callErr = out, err
	})); err != nil {
		return Result{}, fmt.Errorf("plugin: load call bindings: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, p.source); err != nil {
		return Result{}, fmt.Errorf("plugin: interpret %s: %w", p.path, err)
	}
	value, err := i.Eval("main." + scriptEntryFunc)
	if err != nil {
		return Result{}, fmt.Errorf("plugin: %s must define %s(ctx, input): %w", p.path, scriptEntryFunc, err)
	}
	if _, ok := value.Interface().(scriptFunc); !ok {
		return Result{}, fmt.Errorf("plugin: %s: %s has signature %s", p.path, scriptEntryFunc, value.Type())
	}
	if _, err := i.Eval(`import "` + callPackage + `"`); err != nil {
		return Result{}, fmt.Errorf("plugin: bind call package: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, scriptCall); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("plugin: %s: %w", p.path, ctxErr)
		}
		return Result{}, fmt.Errorf("plugin: run %s: %w", p.path, err)
	}
	if callErr != nil {
		return Result{Success: false, Payload: payload, Error: callErr.Error()}, nil
	}
	return Result{Success: true, Payload: payload}, nil
}

func callExports(ctx context.Context, input map[string]any, done func(map[string]any, error)) interp.Exports {
	return interp.Exports{callPackage + "/" + callPackage: {
		"Context": reflect.ValueOf(func() context.Context { return ctx }),
		"Input":   reflect.ValueOf(func() map[string]any { return input }),
		"Done":    reflect.ValueOf(done),
	}}
}

// hostExports binds the lattice/host package to one invocation's sandbox.
func hostExports(ctx context.Context, inv Invocation) interp.Exports {
	sb := inv.Sandbox
	symbols := map[string]reflect.Value{
		"Plugin": reflect.ValueOf(func() string { return inv.Plugin }),
		"RunID":  reflect.ValueOf(func() string { return inv.RunID }),
		"Config": reflect.ValueOf(func(key string) any { return inv.Config[key] }),
		"Log": reflect.ValueOf(func(msg string, kv ...any) {
			if inv.Logger != nil {
				inv.Logger.Info(msg, kv...)
			}
		}),
		"Secret": reflect.ValueOf(func(name string) (string, error) {
			return sb.Secret(ctx, name)
		}),
		"AppendEvent": reflect.ValueOf(func(eventType string, tags map[string]string, data map[string]any) error {
			_, err := sb.AppendEvent(ctx, eventType, tags, data)
			return err
		}),
		"CountEvents": reflect.ValueOf(func(tagKey, tagValue string) (int, error) {
			events, err := sb.ReadEvents(ctx, eventlog.ByTag(tagKey, tagValue))
			return len(events), err
		}),
		"ReadFile": reflect.ValueOf(func(name string) (string, error) {
			fsys, err := sb.FS()
			if err != nil {
				return "", err
			}
			data, err := fsys.ReadFile(name)
			return string(data), err
		}),
		"WriteFile": reflect.ValueOf(func(name, content string) error {
			fsys, err := sb.FS()
			if err != nil {
				return err
			}
			return fsys.WriteFile(name, []byte(content), 0o644)
		}),
		"HTTPGet": reflect.ValueOf(func(url string) (int, string, error) {
			client, err := sb.HTTPClient()
			if err != nil {
				return 0, "", err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return 0, "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return 0, "", err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return resp.StatusCode, string(body), err
		}),
		"Exec": reflect.ValueOf(func(name string, args ...string) (int, string, error) {
			res, err := sb.Exec(ctx, sandbox.Command{Name: name, Args: args})
			return res.ExitCode, string(res.Stdout), err
		}),
		"SourceControl": reflect.ValueOf(func(op string, args map[string]any) (map[string]any, error) {
			res, err := sb.SourceControl(ctx, op, args)
			return callPayload(res, err)
		}),
		"AIProvider": reflect.ValueOf(func(op string, args map[string]any) (map[string]any, error) {
			res, err := sb.AIProvider(ctx, op, args)
			return callPayload(res, err)
		}),
	}
	return interp.Exports{"lattice/host/host": symbols}
}

func callPayload(res sandbox.CallResult, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res.Payload, fmt.Errorf("%s", res.Error)
	}
	return res.Payload, nil
}
