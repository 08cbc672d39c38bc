package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeIDPatternRejectsPathTraversal(t *testing.T) {
	assert.False(t, safeIDPattern.MatchString("../etc/passwd"))
	assert.False(t, safeIDPattern.MatchString("bot/with/slash"))
	assert.True(t, safeIDPattern.MatchString("bot_123-abc"))
}

func TestHashConfigEmptyWhenMissing(t *testing.T) {
	dir := t.TempDir()
	hash, err := hashConfig(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "", hash)
}

func TestHashConfigDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))

	a, err := hashConfig(path)
	require.NoError(t, err)
	b, err := hashConfig(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestTarThenUntarRoundTrips(t *testing.T) {
	src := t.TempDir()
	botDir := filepath.Join(src, "bot1")
	require.NoError(t, os.MkdirAll(filepath.Join(botDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(botDir, "file.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(botDir, "sub", "nested.txt"), []byte("world"), 0o644))

	archive := filepath.Join(t.TempDir(), "out.tar.gz")
	require.NoError(t, tarDirectory(botDir, archive))

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, untarStripFirst(archive, dst))

	data, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "sub", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestStripFirstComponent(t *testing.T) {
	assert.Equal(t, "file.txt", stripFirstComponent("bot1/file.txt"))
	assert.Equal(t, "sub/nested.txt", stripFirstComponent("bot1/sub/nested.txt"))
	assert.Equal(t, "", stripFirstComponent("bot1"))
}

func TestRoundTo2(t *testing.T) {
	assert.Equal(t, 1.23, roundTo2(1.234))
	assert.Equal(t, 1.24, roundTo2(1.236))
}
