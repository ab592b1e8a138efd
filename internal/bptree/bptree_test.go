package bptree

import (
	"testing"

	"github.com/go-innodb/enginecore/internal/diskstore"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_PutGetRoundTrip(t *testing.T) {
	tree, err := New(2)
	require.NoError(t, err)

	for i := model.RowID(1); i <= 50; i++ {
		tree.Put(i, model.PageID(i/5))
	}
	for i := model.RowID(1); i <= 50; i++ {
		pageID, ok := tree.Get(i)
		require.True(t, ok)
		assert.Equal(t, model.PageID(i/5), pageID)
	}
	assert.Equal(t, 50, tree.Len())
}

func TestTree_PutOverwritesExistingKey(t *testing.T) {
	tree, err := New(2)
	require.NoError(t, err)

	tree.Put(1, 10)
	tree.Put(1, 20)

	pageID, ok := tree.Get(1)
	require.True(t, ok)
	assert.Equal(t, model.PageID(20), pageID)
	assert.Equal(t, 1, tree.Len())
}

func TestTree_GetMissingKey(t *testing.T) {
	tree, err := New(2)
	require.NoError(t, err)

	_, ok := tree.Get(999)
	assert.False(t, ok)
}

func TestTree_DeleteRemovesKey(t *testing.T) {
	tree, err := New(2)
	require.NoError(t, err)

	tree.Put(1, 10)
	assert.True(t, tree.Delete(1))
	_, ok := tree.Get(1)
	assert.False(t, ok)
	assert.False(t, tree.Delete(1), "deleting an absent key reports false")
}

func TestTree_New_RejectsSmallT(t *testing.T) {
	_, err := New(1)
	assert.Error(t, err)
}

func TestTree_SaveAndOpenRoundTrip(t *testing.T) {
	disk, err := diskstore.Open(t.TempDir())
	require.NoError(t, err)

	tree, err := New(3)
	require.NoError(t, err)
	for i := model.RowID(1); i <= 30; i++ {
		tree.Put(i, model.PageID(i))
	}
	require.NoError(t, tree.Save(disk))

	reopened, err := Open(disk, 3)
	require.NoError(t, err)
	assert.Equal(t, 30, reopened.Len())
	for i := model.RowID(1); i <= 30; i++ {
		pageID, ok := reopened.Get(i)
		require.True(t, ok)
		assert.Equal(t, model.PageID(i), pageID)
	}
}

func TestTree_RangeYieldsAscendingWithinBounds(t *testing.T) {
	tree, err := New(2)
	require.NoError(t, err)

	for i := model.RowID(1); i <= 20; i++ {
		tree.Put(i, model.PageID(i))
	}

	next := tree.Range(5, 9)
	var got []model.RowID
	for {
		e, ok := next()
		if !ok {
			break
		}
		got = append(got, e.RowID)
	}
	assert.Equal(t, []model.RowID{5, 6, 7, 8, 9}, got)
}

func TestTree_RangeEmptyWhenNoKeysInBounds(t *testing.T) {
	tree, err := New(2)
	require.NoError(t, err)
	tree.Put(1, 10)
	tree.Put(100, 20)

	next := tree.Range(40, 60)
	_, ok := next()
	assert.False(t, ok)
}

func TestTree_OpenWithNoPriorArtifactIsEmpty(t *testing.T) {
	disk, err := diskstore.Open(t.TempDir())
	require.NoError(t, err)

	tree, err := Open(disk, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Len())
}
