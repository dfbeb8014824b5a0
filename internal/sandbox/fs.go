package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

// Filesystem is the filesystem capability handle. Every path is resolved
// inside the scratch directory through os.Root, so ".." and symlinks cannot
// escape it.
type Filesystem struct {
	root *os.Root
	dir  string
}

func openFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: open scratch dir: %w", err)
	}
	return &Filesystem{root: root, dir: dir}, nil
}

// Dir returns the host path of the scratch directory.
func (f *Filesystem) Dir() string { return f.dir }

// FS exposes the scratch directory as an fs.FS.
func (f *Filesystem) FS() fs.FS { return f.root.FS() }

func (f *Filesystem) ReadFile(name string) ([]byte, error) {
	file, err := f.root.Open(clean(name))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// WriteFile creates parent directories as needed.
func (f *Filesystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	name = clean(name)
	if dir := path.Dir(name); dir != "." {
		if err := f.MkdirAll(dir); err != nil {
			return err
		}
	}
	file, err := f.root.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (f *Filesystem) MkdirAll(name string) error {
	var current string
	for _, part := range strings.Split(clean(name), "/") {
		if part == "" || part == "." {
			continue
		}
		current = path.Join(current, part)
		if err := f.root.Mkdir(current, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

func (f *Filesystem) Remove(name string) error {
	return f.root.Remove(clean(name))
}

func (f *Filesystem) Stat(name string) (fs.FileInfo, error) {
	return f.root.Stat(clean(name))
}

// List returns the entries of a directory inside the scratch space.
func (f *Filesystem) List(name string) ([]fs.DirEntry, error) {
	return fs.ReadDir(f.root.FS(), clean(name))
}

func (f *Filesystem) close() error {
	return f.root.Close()
}

func clean(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" {
		return "."
	}
	return path.Clean(name)
}
