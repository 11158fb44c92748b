package batch

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"cardroom/pkg/types"
)

// Default tuning. 100ms coalesces a burst of table updates into a single
// delivery without a visible lag at the UI.
const (
	DefaultBatchInterval = 100 * time.Millisecond
	DefaultMaxBatchSize  = 25
)

// Config configures a Batcher.
type Config struct {
	// BatchInterval is how long the first pending message waits before a
	// timed flush.
	BatchInterval time.Duration

	// MaxBatchSize triggers an immediate flush once the combined pending
	// count (FIFO + dedup map) reaches it.
	MaxBatchSize int

	// DedupFields maps a message type to the payload field carrying its
	// dedup key, e.g. {"game_update": "tableId"}. Messages of such types
	// collapse per key: a newer message replaces the older pending one.
	DedupFields map[string]string

	// OnBatch receives each flushed batch, ordered by timestamp. A returned
	// error is forwarded to OnError and never stops future batches.
	OnBatch func(batch []*types.Envelope) error

	// OnError receives consumer failures. Nil means they are only logged.
	OnError func(err error)
}

// Stats are the batcher's running metrics. AvgBatchSize is maintained as an
// incremental mean, O(1) per batch.
type Stats struct {
	TotalMessages int64
	TotalBatches  int64
	AvgBatchSize  float64
	Dropped       int64
	LastFlush     time.Time
}

// Batcher buffers and deduplicates outbound update events, shielding a
// consumer from update storms. At most one flush runs at a time; messages
// added during an in-flight flush are held for the next cycle, never lost
// and never double-delivered.
type Batcher struct {
	cfg Config

	mu         sync.Mutex
	queue      []*types.Envelope
	dedup      map[string]*types.Envelope
	processing bool
	timer      *time.Timer
	stats      Stats
	seq        uint64
	closed     bool

	now func() time.Time
}

// New creates a batcher. OnBatch must be non-nil.
func New(cfg Config) *Batcher {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Batcher{
		cfg:   cfg,
		dedup: make(map[string]*types.Envelope),
		now:   time.Now,
	}
}

// Add enqueues one typed event. The envelope is stamped at the moment of the
// call; delivery order within a batch follows these stamps.
func (b *Batcher) Add(msgType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.mu.Lock()
			b.stats.Dropped++
			b.mu.Unlock()
			return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = data
	}

	b.mu.Lock()
	if b.closed {
		b.stats.Dropped++
		b.mu.Unlock()
		return ErrBatcherClosed
	}

	b.seq++
	env := &types.Envelope{
		Version:    types.ProtocolVersion,
		Type:       msgType,
		Payload:    raw,
		Timestamp:  b.now().UnixMilli(),
		SequenceID: b.seq,
	}

	if field, ok := b.cfg.DedupFields[msgType]; ok {
		if key, ok := dedupKey(raw, field); ok {
			// Upsert: the newest message for a key wins, so the map grows
			// with distinct keys, not with update frequency.
			b.dedup[msgType+":"+key] = env
		} else {
			b.queue = append(b.queue, env)
		}
	} else {
		b.queue = append(b.queue, env)
	}

	pending := len(b.queue) + len(b.dedup)
	sizeTriggered := pending >= b.cfg.MaxBatchSize

	if !sizeTriggered && b.timer == nil && !b.processing {
		b.timer = time.AfterFunc(b.cfg.BatchInterval, b.processBatch)
	}
	b.mu.Unlock()

	if sizeTriggered {
		b.processBatch()
	}
	return nil
}

// Flush forces immediate batch delivery, bypassing the interval timer.
func (b *Batcher) Flush() {
	b.processBatch()
}

// Clear drops all pending state and resets metrics to zero. Teardown only;
// the pending flush timer is cancelled synchronously.
func (b *Batcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue = nil
	b.dedup = make(map[string]*types.Envelope)
	b.stats = Stats{}
	b.closed = true
}

// Stats returns a copy of the running metrics.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// processBatch is the single-flight flush. The processing flag enforces
// mutual exclusion: a second caller returns immediately and the tail check
// below picks up whatever arrived while the first flush ran.
func (b *Batcher) processBatch() {
	b.mu.Lock()
	if b.processing || b.closed {
		b.mu.Unlock()
		return
	}
	b.processing = true

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	// Detach pending state under the lock; Add calls during the consumer
	// callback populate freshly emptied structures.
	batch := b.queue
	b.queue = nil
	for _, env := range b.dedup {
		batch = append(batch, env)
	}
	b.dedup = make(map[string]*types.Envelope)
	b.mu.Unlock()

	if len(batch) > 0 {
		sort.SliceStable(batch, func(i, j int) bool {
			if batch[i].Timestamp != batch[j].Timestamp {
				return batch[i].Timestamp < batch[j].Timestamp
			}
			return batch[i].SequenceID < batch[j].SequenceID
		})

		b.deliver(batch)

		b.mu.Lock()
		b.stats.TotalMessages += int64(len(batch))
		b.stats.TotalBatches++
		n := float64(b.stats.TotalBatches)
		b.stats.AvgBatchSize = (b.stats.AvgBatchSize*(n-1) + float64(len(batch))) / n
		b.stats.LastFlush = b.now()
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.processing = false
	rearm := !b.closed && len(b.queue)+len(b.dedup) > 0 && b.timer == nil
	if rearm {
		b.timer = time.AfterFunc(b.cfg.BatchInterval, b.processBatch)
	}
	b.mu.Unlock()
}

// deliver invokes the consumer callback, isolating its failures so one bad
// invocation cannot stop future batches.
func (b *Batcher) deliver(batch []*types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.reportError(fmt.Errorf("batch consumer panicked: %v", r))
		}
	}()

	if err := b.cfg.OnBatch(batch); err != nil {
		b.reportError(fmt.Errorf("batch consumer failed: %w", err))
	}
}

func (b *Batcher) reportError(err error) {
	if b.cfg.OnError != nil {
		b.cfg.OnError(err)
		return
	}
	log.Printf("batch: %v", err)
}

// dedupKey extracts the string value of field from a raw JSON payload.
func dedupKey(raw json.RawMessage, field string) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	var key string
	if err := json.Unmarshal(fields[field], &key); err != nil || key == "" {
		return "", false
	}
	return key, true
}
