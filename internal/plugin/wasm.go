package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

const (
	defaultWasmPages = 256 // 16 MiB
	wasmScratchMount = "/scratch"
)

// WasmLoader runs WASI modules under wazero. Each plugin version gets its own
// runtime so the memory limit from its manifest applies. Modules receive the
// envelope on stdin and write a JSON Result to stdout. There is no network or
// host filesystem; the scratch directory is mounted at /scratch only when the
// plugin holds the filesystem capability.
type WasmLoader struct {
	mu       sync.Mutex
	runtimes map[string]*wasmPlugin
}

// NewWasmLoader returns an empty loader.
func NewWasmLoader() *WasmLoader {
	return &WasmLoader{runtimes: map[string]*wasmPlugin{}}
}

type wasmPlugin struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	name     string
	args     []string
}

func (l *WasmLoader) Load(ctx context.Context, m Manifest) (Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.runtimes[m.Ref()]; ok {
		return p, nil
	}
	code, err := os.ReadFile(m.EntrypointPath())
	if err != nil {
		return nil, fmt.Errorf("plugin: read wasm %s: %w", m.EntrypointPath(), err)
	}
	pages := m.Runtime.MemoryPages
	if pages == 0 {
		pages = defaultWasmPages
	}
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("plugin: instantiate wasi: %w", err)
	}
	compiled, err := r.CompileModule(ctx, code)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("plugin: compile %s: %w", m.Ref(), err)
	}
	p := &wasmPlugin{runtime: r, compiled: compiled, name: m.Name, args: append([]string{m.Name}, m.Runtime.Args...)}
	l.runtimes[m.Ref()] = p
	return p, nil
}

// Close releases every runtime.
func (l *WasmLoader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for ref, p := range l.runtimes {
		if err := p.runtime.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin: close %s: %w", ref, err))
		}
		delete(l.runtimes, ref)
	}
	return errors.Join(errs...)
}

func (p *wasmPlugin) Execute(ctx context.Context, inv Invocation) (Result, error) {
	stdin, err := encodeEnvelope(inv)
	if err != nil {
		return Result{}, err
	}
	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(p.args...).
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	if inv.Sandbox != nil && inv.Sandbox.Granted(sandbox.CapFilesystem) {
		fsys, err := inv.Sandbox.FS()
		if err != nil {
			return Result{}, err
		}
		modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(fsys.Dir(), wasmScratchMount))
	}
	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.WithoutCancel(ctx))
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() != 0 {
				msg := strings.TrimSpace(stderr.String())
				if msg == "" {
					msg = fmt.Sprintf("exit code %d", exitErr.ExitCode())
				}
				return Result{Success: false, Error: msg}, nil
			}
		} else {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, fmt.Errorf("plugin: run %s: %w", p.name, err)
		}
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return Result{Success: true}, nil
	}
	return decodeResult(out)
}
