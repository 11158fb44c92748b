package batch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardroom/pkg/types"
)

// collector gathers delivered batches for assertions.
type collector struct {
	mu      sync.Mutex
	batches [][]*types.Envelope
	ch      chan []*types.Envelope
}

func newCollector() *collector {
	return &collector{ch: make(chan []*types.Envelope, 16)}
}

func (c *collector) onBatch(batch []*types.Envelope) error {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	c.ch <- batch
	return nil
}

func (c *collector) wait(t *testing.T) []*types.Envelope {
	t.Helper()
	select {
	case batch := <-c.ch:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestTimedFlush_DeliversInInsertionOrder(t *testing.T) {
	c := newCollector()
	b := New(Config{BatchInterval: 20 * time.Millisecond, OnBatch: c.onBatch})

	require.NoError(t, b.Add("a", map[string]string{"v": "1"}))
	require.NoError(t, b.Add("b", map[string]string{"v": "2"}))
	require.NoError(t, b.Add("c", map[string]string{"v": "3"}))

	batch := c.wait(t)
	require.Len(t, batch, 3)
	assert.Equal(t, "a", batch[0].Type)
	assert.Equal(t, "b", batch[1].Type)
	assert.Equal(t, "c", batch[2].Type)

	// Non-decreasing timestamps within the batch.
	for i := 1; i < len(batch); i++ {
		assert.GreaterOrEqual(t, batch[i].Timestamp, batch[i-1].Timestamp)
	}
}

func TestDedup_ConvergesToLatest(t *testing.T) {
	c := newCollector()
	b := New(Config{
		BatchInterval: 20 * time.Millisecond,
		DedupFields:   map[string]string{"table_updated": "id"},
		OnBatch:       c.onBatch,
	})

	for _, players := range []int{5, 6, 7} {
		require.NoError(t, b.Add("table_updated", map[string]interface{}{"id": "t1", "players": players}))
	}
	require.NoError(t, b.Add("table_updated", map[string]interface{}{"id": "t2", "players": 3}))

	batch := c.wait(t)
	require.Len(t, batch, 2)

	got := map[string]int{}
	for _, env := range batch {
		var p struct {
			ID      string `json:"id"`
			Players int    `json:"players"`
		}
		require.NoError(t, env.DecodePayload(&p))
		got[p.ID] = p.Players
	}
	assert.Equal(t, map[string]int{"t1": 7, "t2": 3}, got)
}

func TestSizeTrigger_FlushesWithoutTimer(t *testing.T) {
	c := newCollector()
	b := New(Config{
		// Interval far beyond the test timeout: only the size trigger can
		// deliver.
		BatchInterval: time.Hour,
		MaxBatchSize:  3,
		OnBatch:       c.onBatch,
	})

	require.NoError(t, b.Add("a", nil))
	require.NoError(t, b.Add("b", nil))
	require.NoError(t, b.Add("c", nil))

	batch := c.wait(t)
	assert.Len(t, batch, 3)
}

func TestFlush_BypassesTimer(t *testing.T) {
	c := newCollector()
	b := New(Config{BatchInterval: time.Hour, OnBatch: c.onBatch})

	require.NoError(t, b.Add("a", nil))
	b.Flush()

	batch := c.wait(t)
	assert.Len(t, batch, 1)
}

func TestConsumerError_DoesNotStopFutureBatches(t *testing.T) {
	errCh := make(chan error, 1)
	c := newCollector()
	calls := 0
	b := New(Config{
		BatchInterval: 20 * time.Millisecond,
		OnBatch: func(batch []*types.Envelope) error {
			calls++
			if calls == 1 {
				return errors.New("consumer exploded")
			}
			return c.onBatch(batch)
		},
		OnError: func(err error) { errCh <- err },
	})

	require.NoError(t, b.Add("a", nil))
	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "consumer exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consumer error")
	}

	require.NoError(t, b.Add("b", nil))
	batch := c.wait(t)
	require.Len(t, batch, 1)
	assert.Equal(t, "b", batch[0].Type)
}

func TestConsumerPanic_IsIsolated(t *testing.T) {
	errCh := make(chan error, 1)
	b := New(Config{
		BatchInterval: 20 * time.Millisecond,
		OnBatch:       func([]*types.Envelope) error { panic("boom") },
		OnError:       func(err error) { errCh <- err },
	})

	require.NoError(t, b.Add("a", nil))
	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for panic report")
	}
}

func TestAddDuringFlush_HeldForNextCycle(t *testing.T) {
	c := newCollector()
	var b *Batcher
	first := true
	b = New(Config{
		BatchInterval: 20 * time.Millisecond,
		OnBatch: func(batch []*types.Envelope) error {
			if first {
				first = false
				// Re-entrant add while this flush is in progress.
				require.NoError(t, b.Add("late", nil))
			}
			return c.onBatch(batch)
		},
	})

	require.NoError(t, b.Add("early", nil))

	batch := c.wait(t)
	require.Len(t, batch, 1)
	assert.Equal(t, "early", batch[0].Type)

	batch = c.wait(t)
	require.Len(t, batch, 1)
	assert.Equal(t, "late", batch[0].Type)
}

func TestStats_RunningMean(t *testing.T) {
	c := newCollector()
	b := New(Config{BatchInterval: time.Hour, OnBatch: c.onBatch})

	require.NoError(t, b.Add("a", nil))
	require.NoError(t, b.Add("b", nil))
	b.Flush()
	c.wait(t)

	require.NoError(t, b.Add("c", nil))
	b.Flush()
	c.wait(t)

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.TotalBatches)
	assert.InDelta(t, 1.5, stats.AvgBatchSize, 0.001)
	assert.False(t, stats.LastFlush.IsZero())
}

func TestClear_DropsStateAndRejectsAdds(t *testing.T) {
	c := newCollector()
	b := New(Config{BatchInterval: 20 * time.Millisecond, OnBatch: c.onBatch})

	require.NoError(t, b.Add("a", nil))
	b.Clear()

	assert.ErrorIs(t, b.Add("b", nil), ErrBatcherClosed)
	assert.Equal(t, Stats{Dropped: 1}, b.Stats())

	// Nothing is delivered after teardown.
	select {
	case batch := <-c.ch:
		t.Fatalf("unexpected batch after Clear: %v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdd_UnmarshalablePayloadCountsDropped(t *testing.T) {
	c := newCollector()
	b := New(Config{BatchInterval: time.Hour, OnBatch: c.onBatch})

	err := b.Add("a", make(chan int))
	require.Error(t, err)
	assert.Equal(t, int64(1), b.Stats().Dropped)
}
