package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Command describes a subprocess to run in the scratch directory.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
	Env   []string
}

// ExecResult reports a finished subprocess.
type ExecResult struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
}

// cappedBuffer keeps at most limit bytes and records whether it dropped any.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (s *Sandbox) runCommand(ctx context.Context, dir string, c Command) (ExecResult, error) {
	limits := s.host.Exec.normalized()
	if !commandAllowed(limits.AllowedCommands, c.Name) {
		return ExecResult{}, fmt.Errorf("sandbox: command %s is not allowed", c.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = dir
	cmd.Env = append([]string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + dir, "TMPDIR=" + dir}, c.Env...)
	if len(c.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	stdout := &cappedBuffer{limit: limits.MaxOutputBytes}
	stderr := &cappedBuffer{limit: limits.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	started := time.Now()
	if err := s.trackStart(cmd); err != nil {
		return ExecResult{}, err
	}
	defer s.untrack(cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		waitErr  error
		timedOut bool
	)
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		killProcessTree(cmd)
		waitErr = <-done
		timedOut = true
	}
	result := ExecResult{
		Stdout:    stdout.bytes(),
		Stderr:    stderr.bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		TimedOut:  timedOut,
		Duration:  time.Since(started),
		ExitCode:  -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if timedOut {
		return result, fmt.Errorf("sandbox: %s exceeded %s: %w", c.Name, limits.Timeout, ctx.Err())
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return result, fmt.Errorf("sandbox: wait %s: %w", c.Name, waitErr)
	}
	return result, nil
}

func (s *Sandbox) trackStart(cmd *exec.Cmd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: start %s: %w", cmd.Path, err)
	}
	s.procs[cmd] = struct{}{}
	return nil
}

func (s *Sandbox) untrack(cmd *exec.Cmd) {
	s.mu.Lock()
	delete(s.procs, cmd)
	s.mu.Unlock()
}

func commandAllowed(allowed []string, name string) bool {
	if len(allowed) == 0 {
		return true
	}
	base := filepath.Base(name)
	for _, candidate := range allowed {
		if candidate == name || candidate == base {
			return true
		}
	}
	return false
}
