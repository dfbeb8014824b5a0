package plugin

import (
	"errors"
	"strings"
	"testing"

	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

const lintManifest = `
name: lint
version: 1.2.0
description: runs the linter
runtime:
  type: native
  entrypoint: lint
provides:
  gates: [lint]
requires:
  capabilities: [filesystem, events:write]
  dependencies:
    formatter: ^1.0.0
timeout: 45s
`

func TestParseManifestYAML(t *testing.T) {
	m, err := ParseManifestYAML([]byte(lintManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "lint" || m.Version != "1.2.0" {
		t.Fatalf("unexpected identity: %+v", m)
	}
	if m.Kind != KindGate {
		t.Fatalf("expected kind derived from provides, got %s", m.Kind)
	}
	caps := m.Capabilities()
	if len(caps) != 2 || caps[0] != sandbox.CapEventsWrite || caps[1] != sandbox.CapFilesystem {
		t.Fatalf("unexpected capabilities: %v", caps)
	}
	if got := m.TimeoutDuration().String(); got != "45s" {
		t.Fatalf("unexpected timeout %s", got)
	}
	if m.Requires.Dependencies["formatter"] != "^1.0.0" {
		t.Fatalf("dependencies not decoded: %+v", m.Requires)
	}
}

func TestParseManifestRejectsInvalidShapes(t *testing.T) {
	cases := map[string]string{
		"empty":              "",
		"missing runtime":    "name: a\nversion: 1.0.0\n",
		"unknown capability": "name: a\nversion: 1.0.0\nruntime: {type: native, entrypoint: a}\nrequires: {capabilities: [root]}\n",
		"unknown field":      "name: a\nversion: 1.0.0\nruntime: {type: native, entrypoint: a}\nowner: me\n",
		"bad semver":         "name: a\nversion: one\nruntime: {type: native, entrypoint: a}\n",
		"bad constraint":     "name: a\nversion: 1.0.0\nruntime: {type: native, entrypoint: a}\nrequires: {dependencies: {b: abc}}\n",
		"command needs exec": "name: a\nversion: 1.0.0\nruntime: {type: command, entrypoint: ./run}\n",
		"missing entrypoint": "name: a\nversion: 1.0.0\nruntime: {type: script}\n",
		"bad timeout":        "name: a\nversion: 1.0.0\nruntime: {type: native, entrypoint: a}\ntimeout: soon\n",
		"fractional pages":   "name: a\nversion: 1.0.0\nruntime: {type: wasm, entrypoint: a.wasm, memoryPages: 1.5}\n",
		"too many pages":     "name: a\nversion: 1.0.0\nruntime: {type: wasm, entrypoint: a.wasm, memoryPages: 70000}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifestYAML([]byte(doc))
			if !errors.Is(err, ErrInvalidPlugin) {
				t.Fatalf("expected ErrInvalidPlugin, got %v", err)
			}
		})
	}
}

func TestParseManifestNumericRuntimeFields(t *testing.T) {
	doc := "name: scan\nversion: 2.0.0\nruntime:\n  type: wasm\n  entrypoint: scan.wasm\n  memoryPages: 256\nprovides:\n  steps: [scan]\n"
	m, err := ParseManifestYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Runtime.Type != RuntimeWasm || m.Runtime.MemoryPages != 256 {
		t.Fatalf("unexpected runtime %+v", m.Runtime)
	}
}

func TestInvalidPluginErrorListsProblems(t *testing.T) {
	m := Manifest{Name: "a", Version: "x", Kind: "widget", Runtime: Runtime{Type: "jvm"}}
	err := m.Validate()
	var invalid *InvalidPluginError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidPluginError, got %v", err)
	}
	if len(invalid.Problems) != 3 {
		t.Fatalf("expected three problems, got %v", invalid.Problems)
	}
	if !strings.Contains(err.Error(), "unknown runtime") {
		t.Fatalf("message missing runtime problem: %s", err)
	}
}

func TestManifestCloneIsIndependent(t *testing.T) {
	m, err := ParseManifestYAML([]byte(lintManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	clone := m.Clone()
	clone.Requires.Capabilities[0] = "secrets"
	clone.Requires.Dependencies["formatter"] = "*"
	if m.Requires.Capabilities[0] == "secrets" || m.Requires.Dependencies["formatter"] == "*" {
		t.Fatalf("clone shares state with original")
	}
}
