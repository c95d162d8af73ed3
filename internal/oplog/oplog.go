// Package oplog retains recent per-entity patch history so reconnecting
// clients can catch up from their last seen version instead of pulling a
// full snapshot. The log is bounded by entry count, total bytes, and age,
// with one shared budget across all entities; the oldest entry anywhere is
// always the next to go.
package oplog

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/lenshq/lens/internal/codec"
	"github.com/lenshq/lens/internal/monitoring"
)

// Config bounds the log. Nonpositive values disable the corresponding
// bound.
type Config struct {
	MaxEntries int
	MaxBytes   int
	MaxAge     time.Duration
}

// Entry is one logged mutation: the patch that moved the entity onto
// Version.
type Entry struct {
	Version   int64
	Timestamp time.Time
	Patch     []codec.PatchOp
	PatchSize int
}

type record struct {
	key   string
	entry Entry
}

// Log is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	cfg   Config
	order *list.List // *record, globally oldest at the front
	byKey map[string][]*list.Element
	bytes int

	evictions uint64

	now func() time.Time
}

func New(cfg Config) *Log {
	return &Log{
		cfg:   cfg,
		order: list.New(),
		byKey: make(map[string][]*list.Element),
		now:   time.Now,
	}
}

// Append records the patch that produced version for key, then evicts from
// the global front until every bound holds again.
func (l *Log) Append(key string, version int64, patch []codec.PatchOp) {
	size := codec.PatchSize(patch)

	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.order.PushBack(&record{key: key, entry: Entry{
		Version:   version,
		Timestamp: l.now(),
		Patch:     patch,
		PatchSize: size,
	}})
	l.byKey[key] = append(l.byKey[key], elem)
	l.bytes += size

	l.sweepLocked()
	for l.overBudgetLocked() {
		l.evictOldestLocked()
	}
}

// GetSince returns every retained entry for key with version > fromVersion
// in ascending version order. It returns nil when any entry in that range
// has already been evicted; the caller must then fall back to a snapshot.
// A non-nil empty result means the client is already current.
func (l *Log) GetSince(key string, fromVersion int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked()

	elems := l.byKey[key]
	if len(elems) == 0 {
		return nil
	}
	// Versions are contiguous per key, so continuity from fromVersion holds
	// exactly when the oldest retained entry is at most fromVersion+1.
	if elems[0].Value.(*record).entry.Version > fromVersion+1 {
		return nil
	}
	out := make([]Entry, 0, len(elems))
	for _, e := range elems {
		if ent := e.Value.(*record).entry; ent.Version > fromVersion {
			out = append(out, ent)
		}
	}
	return out
}

// DropEntity discards all history for key, used when canonical state is
// deleted or evicted and stale patches could never apply again.
func (l *Log) DropEntity(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.byKey[key] {
		l.bytes -= e.Value.(*record).entry.PatchSize
		l.order.Remove(e)
	}
	delete(l.byKey, key)
}

// Sweep evicts entries past MaxAge and reports how many went. Intended for
// a periodic maintenance tick; Append and GetSince also sweep inline.
func (l *Log) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked()
}

// SweepLoop runs Sweep every interval until ctx is cancelled, so aged
// entries on idle entities still expire without waiting for the next
// Append or reconnect.
func (l *Log) SweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Log) sweepLocked() int {
	if l.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := l.now().Add(-l.cfg.MaxAge)
	n := 0
	for front := l.order.Front(); front != nil; front = l.order.Front() {
		if !front.Value.(*record).entry.Timestamp.Before(cutoff) {
			break
		}
		l.evictOldestLocked()
		n++
	}
	return n
}

func (l *Log) overBudgetLocked() bool {
	if l.order.Len() == 0 {
		return false
	}
	if l.cfg.MaxEntries > 0 && l.order.Len() > l.cfg.MaxEntries {
		return true
	}
	if l.cfg.MaxBytes > 0 && l.bytes > l.cfg.MaxBytes {
		return true
	}
	return false
}

// evictOldestLocked removes the global front. Per-key slices share the
// global push order, so the front is always its own key's oldest element.
func (l *Log) evictOldestLocked() {
	front := l.order.Front()
	if front == nil {
		return
	}
	rec := front.Value.(*record)
	l.order.Remove(front)
	l.bytes -= rec.entry.PatchSize

	kl := l.byKey[rec.key][1:]
	if len(kl) == 0 {
		delete(l.byKey, rec.key)
	} else {
		l.byKey[rec.key] = kl
	}
	l.evictions++
	monitoring.RecordOplogEviction(1)
}

// Stats is a point-in-time size report.
type Stats struct {
	Entries   int
	Bytes     int
	Entities  int
	Evictions uint64
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Entries:   l.order.Len(),
		Bytes:     l.bytes,
		Entities:  len(l.byKey),
		Evictions: l.evictions,
	}
}
