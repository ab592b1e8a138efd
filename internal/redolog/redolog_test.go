package redolog

import (
	"testing"

	"github.com/go-innodb/enginecore/internal/diskstore"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, *diskstore.Store) {
	t.Helper()
	disk, err := diskstore.Open(t.TempDir())
	require.NoError(t, err)
	log, err := Open(disk)
	require.NoError(t, err)
	return log, disk
}

func TestLog_AppendAssignsIncreasingLSNs(t *testing.T) {
	log, _ := openTestLog(t)

	lsn1 := log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoInsert, RowID: 10})
	lsn2 := log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoInsert, RowID: 11})

	require.Greater(t, lsn2, lsn1)
}

func TestLog_FlushThroughThenReopenSurvives(t *testing.T) {
	disk, err := diskstore.Open(t.TempDir())
	require.NoError(t, err)

	log, err := Open(disk)
	require.NoError(t, err)
	lsn := log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoCommit})
	require.NoError(t, log.FlushThrough(lsn))

	reopened, err := Open(disk)
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Size())
	require.Equal(t, lsn, reopened.FlushedLSN())
}

func TestLog_ReplayFiltersByFromLSN(t *testing.T) {
	log, _ := openTestLog(t)

	lsn1 := log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoInsert, RowID: 1})
	lsn2 := log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoInsert, RowID: 2})

	all := log.Replay(model.InvalidLSN)
	require.Len(t, all, 2)

	tail := log.Replay(lsn1)
	require.Len(t, tail, 1)
	require.Equal(t, lsn2, tail[0].LSN)
}

func TestLog_TruncateDropsOldRecordsAndPersists(t *testing.T) {
	disk, err := diskstore.Open(t.TempDir())
	require.NoError(t, err)
	log, err := Open(disk)
	require.NoError(t, err)

	log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoInsert, RowID: 1})
	lsn2 := log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoInsert, RowID: 2})
	lsn3 := log.Append(model.RedoRecord{TxID: 1, Kind: model.RedoCommit})
	require.NoError(t, log.FlushThrough(lsn3))

	require.NoError(t, log.Truncate(lsn2))
	require.Equal(t, 2, log.Size())

	reopened, err := Open(disk)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Size())
}
