package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteStoresUnderTicketDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root)
	require.NoError(t, err)
	store.newName = func() string { return "fixed" }

	content := []byte("receipt pdf bytes")
	path, checksum, err := store.Write(context.Background(), 42, "../../Receipt #1085.pdf", content)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(store.Root(), "ticket-42", "fixed-Receipt_1085.pdf"), path)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	got, err := store.Read(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	index, err := os.ReadFile(filepath.Join(store.Root(), "ticket-42", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "403")
}

func TestWriteNeverOverwrites(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	store.newName = func() string { return "same" }

	_, _, err = store.Write(context.Background(), 1, "a.txt", []byte("first"))
	require.NoError(t, err)
	_, _, err = store.Write(context.Background(), 1, "a.txt", []byte("second"))
	require.Error(t, err)
}

func TestReadRejectsPathsOutsideRoot(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Read(filepath.Join(store.Root(), "..", "etc", "passwd"))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestResolveConfinesToRoot(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	path, _, err := store.Write(context.Background(), 7, "label.pdf", []byte("%PDF"))
	require.NoError(t, err)

	got, err := store.Resolve(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "-label.pdf"), got)

	rel, err := filepath.Rel(store.Root(), path)
	require.NoError(t, err)
	_, err = store.Resolve(rel)
	require.NoError(t, err, "relative paths resolve under the root")

	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	_, err = store.Resolve(outside)
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = store.Resolve("/etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = store.Resolve(store.Root())
	assert.ErrorIs(t, err, ErrOutsideRoot)

	link := filepath.Join(store.Root(), "ticket-7", "escape.txt")
	require.NoError(t, os.Symlink(outside, link))
	_, err = store.Resolve(link)
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = store.Read(link)
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "photo_1_.jpg", SanitizeFilename("photo (1).jpg"))
	assert.Equal(t, "evil.sh", SanitizeFilename(`C:\temp\evil.sh`))
	assert.Equal(t, "attachment", SanitizeFilename("..."))
	assert.Equal(t, "attachment", SanitizeFilename(""))

	long := SanitizeFilename(strings.Repeat("a", 300) + ".png")
	assert.Len(t, long, maxFilenameLength)
	assert.True(t, strings.HasSuffix(long, ".png"))
}

func TestHealthCheck(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck())
}
