// Package pidfile records the broker's process ID so a later `empbroker stop`
// can find and signal it.
package pidfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	ErrNotRunning     = errors.New("pidfile: no running broker recorded")
	ErrAlreadyRunning = errors.New("pidfile: broker already running")
)

// ValidatePath rejects empty paths and paths that traverse upwards.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("invalid pid file path: empty")
	}
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("invalid pid file path: path traversal not allowed")
	}
	return nil
}

// Write records pid at path. A file left by a process that is gone is
// replaced; a file naming a live process is an error.
func Write(path string, pid int) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if old, err := Read(path); err == nil && old != pid && Alive(old) {
		return fmt.Errorf("%w: pid %d in %s", ErrAlreadyRunning, old, path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pid file directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid. A missing file is ErrNotRunning.
func Read(path string) (int, error) {
	if err := ValidatePath(path); err != nil {
		return 0, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s not found", ErrNotRunning, path)
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is corrupt: %q", path, strings.TrimSpace(string(b)))
	}
	return pid, nil
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Signal sends sig to the recorded process and returns its pid.
func Signal(path string, sig os.Signal) (int, error) {
	pid, err := Read(path)
	if err != nil {
		return 0, err
	}
	if !Alive(pid) {
		return pid, fmt.Errorf("%w: pid %d is gone", ErrNotRunning, pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := p.Signal(sig); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// WaitExit polls until pid is gone or ctx ends.
func WaitExit(ctx context.Context, pid int, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for Alive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d still running: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
