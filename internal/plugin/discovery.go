package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestFile pairs a parsed manifest with its on-disk source.
type ManifestFile struct {
	Manifest Manifest
	Path     string
}

// LoadManifestFile reads and validates one manifest. Relative entrypoints
// resolve against the file's directory.
func LoadManifestFile(path string) (ManifestFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("plugin: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return ManifestFile{}, fmt.Errorf("plugin: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	m, err := ParseManifestYAML(data)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("plugin: %s: %w", path, err)
	}
	m.Dir = filepath.Dir(filepath.Clean(path))
	return ManifestFile{Manifest: m, Path: filepath.Clean(path)}, nil
}

// LoadManifestDir scans dir for *.yaml manifests, one level of
// subdirectories deep (plugins/<name>/plugin.yaml). Missing directories are
// treated as "no plugins".
func LoadManifestDir(dir string) ([]ManifestFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var files []ManifestFile
	for _, entry := range entries {
		path := filepath.Join(trimmed, entry.Name())
		if entry.IsDir() {
			nested, err := manifestsIn(path)
			if err != nil {
				return nil, err
			}
			files = append(files, nested...)
			continue
		}
		if !isYAMLFile(entry.Name()) {
			continue
		}
		file, err := LoadManifestFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func manifestsIn(dir string) ([]ManifestFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", dir, err)
	}
	var files []ManifestFile
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		file, err := LoadManifestFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

// InstallDir installs every manifest under dir. Versions already installed
// are skipped; the first other failure stops the scan.
func (m *Manager) InstallDir(ctx context.Context, dir string) ([]Installed, error) {
	files, err := LoadManifestDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Installed
	for _, file := range installOrder(files) {
		entry, err := m.Install(ctx, file.Manifest)
		if errors.Is(err, ErrAlreadyInstalled) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("plugin: install %s: %w", file.Path, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// installOrder puts dependencies before dependents where the directory
// contains both. Cycles fall back to path order and fail at install.
func installOrder(files []ManifestFile) []ManifestFile {
	byName := map[string][]int{}
	for i, f := range files {
		byName[f.Manifest.Name] = append(byName[f.Manifest.Name], i)
	}
	visited := make([]int, len(files)) // 0 new, 1 visiting, 2 done
	out := make([]ManifestFile, 0, len(files))
	var visit func(i int)
	visit = func(i int) {
		if visited[i] != 0 {
			return
		}
		visited[i] = 1
		for _, dep := range sortedKeys(files[i].Manifest.Requires.Dependencies) {
			for _, j := range byName[dep] {
				visit(j)
			}
		}
		visited[i] = 2
		out = append(out, files[i])
	}
	for i := range files {
		visit(i)
	}
	return out
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
