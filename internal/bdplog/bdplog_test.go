package bdplog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joohan-lee/ctcp-with-bbr/internal/bdplog"
)

func TestWriter_LogAppendsFormattedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bdp.log")
	w, err := bdplog.NewWriter(path, nil)
	require.NoError(t, err)

	w.Log(1000, 14400)
	w.Log(2000, 28800)
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "1000,14400\n2000,28800\n", string(content))
}

func TestWriter_LogAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bdp.log")
	w, err := bdplog.NewWriter(path, nil)
	require.NoError(t, err)

	w.Log(1, 1)
	require.NoError(t, w.Close())

	// the writer goroutine has already exited; a post-Close Log must be
	// dropped rather than panicking on a send to the closed samples
	// channel or reopening the file.
	w.Log(2, 2)
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "1,1\n", string(content))
}

func TestNewWriter_CreatesFileIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bdp.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	w, err := bdplog.NewWriter(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)
}
