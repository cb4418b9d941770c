package docs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDocRendersAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.adoc")
	require.NoError(t, os.WriteFile(path, []byte("= Guide\n\n== Deposits\n\nMinimum is one finney.\n"), 0o644))

	svc := NewService(dir)
	html, err := svc.GetDoc(context.Background(), "guide.adoc")
	require.NoError(t, err)
	assert.Contains(t, html, "Deposits")
	assert.Contains(t, html, "Minimum is one finney.")

	// rewrite with a later mtime so the cache is refreshed
	require.NoError(t, os.WriteFile(path, []byte("= Guide\n\n== Withdrawals\n"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	html, err = svc.GetDoc(context.Background(), "guide.adoc")
	require.NoError(t, err)
	assert.Contains(t, html, "Withdrawals")
}

func TestGetDocRejectsBadNames(t *testing.T) {
	svc := NewService(t.TempDir())
	for _, name := range []string{"../secret.adoc", "notes.txt", "a/b.adoc"} {
		_, err := svc.GetDoc(context.Background(), name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, err := svc.GetDoc(context.Background(), "missing.adoc")
	require.Error(t, err)
}

func TestListDocs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.adoc", "a.adoc", "skip.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("= x\n"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.adoc"), 0o755))

	docs, err := NewService(dir).ListDocs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.adoc", "b.adoc"}, docs)
}
