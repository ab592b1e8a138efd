package diskstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PageRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WritePage(3, []byte("payload")))
	got, err := s.ReadPage(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestStore_ReadMissingPage(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.ReadPage(42)
	assert.ErrorIs(t, err, enginerr.ErrMissing)
}

func TestStore_ArtifactRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.ReadArtifact(ArtifactDWB)
	require.ErrorIs(t, err, enginerr.ErrMissing)

	require.NoError(t, s.WriteArtifact(ArtifactDWB, []byte("staged")))
	got, err := s.ReadArtifact(ArtifactDWB)
	require.NoError(t, err)
	assert.Equal(t, []byte("staged"), got)
}

func TestStore_WriteOverwritesWholeBlob(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WritePage(1, []byte("a longer first version")))
	require.NoError(t, s.WritePage(1, []byte("short")))

	got, err := s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)
}

func TestStore_EnumerateAscendingAndSkipsNonPages(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	for _, id := range []model.PageID{9, 2, 5} {
		require.NoError(t, s.WritePage(id, []byte("x")))
	}
	require.NoError(t, s.WriteArtifact(ArtifactIndex, []byte("idx")))
	// A leftover temp file from an interrupted write must not be counted.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page_7.tmp"), []byte("partial"), 0o644))

	ids, err := s.Enumerate()
	require.NoError(t, err)
	assert.Equal(t, []model.PageID{2, 5, 9}, ids)
}

func TestStore_FlushSucceeds(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.WritePage(1, []byte("x")))
	assert.NoError(t, s.Flush())
}
