package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultWorkflowDir points to the conventional location for YAML workflow
// definitions when loading from disk.
const DefaultWorkflowDir = "workflows"

// ParseDefinitionYAML decodes a workflow definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WorkflowDefinition{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var def WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads workflow definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (WorkflowDefinition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a workflow definition from an explicit file path.
func LoadDefinitionFile(path string) (WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDefinitionRelative loads a definition from the workflows directory (or a
// custom baseDir if provided).
func LoadDefinitionRelative(baseDir, name string) (WorkflowDefinition, error) {
	if baseDir == "" {
		baseDir = DefaultWorkflowDir
	}
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	return LoadDefinitionFile(filepath.Join(baseDir, name))
}

// LoadDefinitionDir loads every YAML definition directly inside dir, keyed by
// workflow name. A missing directory yields an empty set. Files that fail to
// parse are reported together; the valid ones are still returned.
func LoadDefinitionDir(dir string) (map[string]WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]WorkflowDefinition{}, nil
		}
		return nil, fmt.Errorf("workflow: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make(map[string]WorkflowDefinition, len(names))
	origin := make(map[string]string, len(names))
	var errs []error
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadDefinitionFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, exists := origin[def.Name]; exists {
			errs = append(errs, fmt.Errorf("workflow: %s redefines %s from %s", path, def.Name, prev))
			continue
		}
		defs[def.Name] = def
		origin[def.Name] = path
	}
	return defs, errors.Join(errs...)
}

func isYAMLFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
