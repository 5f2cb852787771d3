package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, dir string, capBytes int64, maxAge int, compress bool) *RotatingWriter {
	t.Helper()
	w, err := NewRotatingWriter(filepath.Join(dir, "nyra.log"), 1, maxAge, compress)
	require.NoError(t, err)
	w.maxSize = capBytes
	t.Cleanup(func() { w.Close() })
	return w
}

func rotatedFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "nyra-*"))
	require.NoError(t, err)
	return matches
}

func TestRotatingWriterCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nyra.log")

	w, err := NewRotatingWriter(path, 1, 0, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRotatingWriterAppends(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, 1<<20, 0, false)

	line := []byte(`{"level":"info","message":"Agent session started"}` + "\n")
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)

	content, err := os.ReadFile(filepath.Join(dir, "nyra.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Agent session started")
}

func TestRotatingWriterRotatesAtCap(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, 64, 0, false)

	first := strings.Repeat("a", 40)
	second := strings.Repeat("b", 40)
	_, err := w.Write([]byte(first))
	require.NoError(t, err)
	_, err = w.Write([]byte(second))
	require.NoError(t, err)

	rotated := rotatedFiles(t, dir)
	require.Len(t, rotated, 1)
	old, err := os.ReadFile(rotated[0])
	require.NoError(t, err)
	assert.Equal(t, first, string(old))

	current, err := os.ReadFile(filepath.Join(dir, "nyra.log"))
	require.NoError(t, err)
	assert.Equal(t, second, string(current))
}

func TestRotatingWriterCompressesRotated(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, 64, 0, true)

	_, err := w.Write([]byte(strings.Repeat("a", 40)))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 40)))
	require.NoError(t, err)

	rotated := rotatedFiles(t, dir)
	require.Len(t, rotated, 1)
	assert.True(t, strings.HasSuffix(rotated[0], ".log.gz"), "rotated file %s should be gzipped", rotated[0])
}

func TestRotatingWriterPrunesExpired(t *testing.T) {
	dir := t.TempDir()

	expired := filepath.Join(dir, "nyra-20200101T000000.000.log")
	require.NoError(t, os.WriteFile(expired, []byte("stale"), 0644))
	stale := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(expired, stale, stale))

	w := newTestWriter(t, dir, 64, 7, false)
	_, err := w.Write([]byte(strings.Repeat("a", 40)))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 40)))
	require.NoError(t, err)

	_, err = os.Stat(expired)
	assert.True(t, os.IsNotExist(err), "expired rotated file should be pruned")
	assert.Len(t, rotatedFiles(t, dir), 1)
}

func TestRotatingWriterClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(filepath.Join(dir, "nyra.log"), 1, 0, false)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
