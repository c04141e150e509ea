package pidfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain", "empbroker.pid", false},
		{"nested", "run/empbroker.pid", false},
		{"absolute", "/tmp/empbroker.pid", false},
		{"empty", "", true},
		{"blank", "  ", true},
		{"traversal", "../empbroker.pid", true},
		{"hidden traversal", "run/../../empbroker.pid", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "empbroker.pid")

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, Write(path, os.Getpid()))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))
	_, err = Read(path)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestWriteRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empbroker.pid")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	if !Alive(1) {
		t.Skip("pid 1 not visible")
	}
	err := Write(path, os.Getpid())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empbroker.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	_, err := Read(path)
	assert.ErrorContains(t, err, "corrupt")
}

func TestAliveAndWait(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, WaitExit(ctx, os.Getpid(), 10*time.Millisecond))
}
