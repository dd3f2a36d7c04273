package servicelog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithoutLogFile(t *testing.T) {
	l, err := New(false, "")
	require.NoError(t, err)
	l.Info("hello", String("k", "v"))
	require.NoError(t, l.Sync())
}

func TestNewWithRotatingLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frameserver.log")

	l, err := New(true, path)
	require.NoError(t, err)
	l.Named("test").With(Int("n", 1)).Warn("rotating sink active")
	require.NoError(t, l.Sync())
}

func TestNewIsSafeToCallTwice(t *testing.T) {
	_, err := New(false, "")
	require.NoError(t, err)
	_, err = New(false, "")
	require.NoError(t, err)
}
