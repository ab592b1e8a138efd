package locktable

import (
	"sync"
	"testing"
	"time"

	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AcquireUncontended(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Acquire(1, 100, time.Second))
	assert.Equal(t, 1, tab.HeldCount(1))
}

func TestTable_ReentrantAcquireIsNoop(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Acquire(1, 100, time.Second))
	require.NoError(t, tab.Acquire(1, 100, time.Second))
	assert.Equal(t, 1, tab.HeldCount(1))
}

func TestTable_SecondOwnerTimesOut(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Acquire(1, 100, time.Second))

	err := tab.Acquire(2, 100, 50*time.Millisecond)
	assert.ErrorIs(t, err, enginerr.ErrLockTimeout)
}

func TestTable_ReleaseAllGrantsFIFOWaiter(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Acquire(1, 100, time.Second))

	var wg sync.WaitGroup
	order := make(chan model.TxID, 2)
	for _, tx := range []model.TxID{2, 3} {
		tx := tx
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tab.Acquire(tx, 100, 2*time.Second); err == nil {
				order <- tx
			}
		}()
		time.Sleep(20 * time.Millisecond) // keep enqueue order deterministic
	}

	tab.ReleaseAll(1)
	first := <-order
	assert.Equal(t, model.TxID(2), first, "waiters must be granted in FIFO order")

	tab.ReleaseAll(first)
	second := <-order
	assert.Equal(t, model.TxID(3), second)

	wg.Wait()
}

func TestTable_TimeoutLoserDoesNotBlockLaterWaiters(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Acquire(1, 100, time.Second))

	err := tab.Acquire(2, 100, 10*time.Millisecond)
	require.ErrorIs(t, err, enginerr.ErrLockTimeout)

	tab.ReleaseAll(1)
	require.NoError(t, tab.Acquire(3, 100, time.Second))
	assert.Equal(t, 1, tab.HeldCount(3))
}
