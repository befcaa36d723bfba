package scan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/common"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDirectoryRecursivePDFOnly(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.pdf"), "%PDF-1.4 aaa")
	write(t, filepath.Join(root, "nested", "deep", "b.PDF"), "%PDF-1.4 b")
	write(t, filepath.Join(root, "notes.txt"), "skip me")
	write(t, filepath.Join(root, "image.png"), "skip me too")

	files, stats, err := Directory(root, nil, nil)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, uint32(2), stats.Matched)
	assert.Zero(t, stats.Failed)

	names := []string{files[0].FileName, files[1].FileName}
	assert.Contains(t, names, "a.pdf")
	assert.Contains(t, names, "b.PDF", "extension matching is case-insensitive")

	for _, f := range files {
		assert.True(t, filepath.IsAbs(f.FilePath))
		assert.Equal(t, ".pdf", f.FileType)
		assert.Positive(t, f.FileSize)
	}
}

func TestDirectoryCustomExtensions(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.pdf"), "x")
	write(t, filepath.Join(root, "b.tiff"), "y")

	files, _, err := Directory(root, []string{".TIFF"}, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "b.tiff", files[0].FileName)
}

func TestDirectoryRootValidation(t *testing.T) {
	_, _, err := Directory(filepath.Join(t.TempDir(), "nope"), nil, nil)
	assert.ErrorIs(t, err, common.ErrValidation)

	file := filepath.Join(t.TempDir(), "plain.pdf")
	write(t, file, "x")
	_, _, err = Directory(file, nil, nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestDirectoryEmpty(t *testing.T) {
	files, stats, err := Directory(t.TempDir(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Zero(t, stats.Matched)
}
