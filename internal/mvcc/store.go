// Package mvcc implements the in-memory, multi-version key-value engine:
// a monotonic revision log, per-key version chains grouped into
// Kubernetes-style partitions, and a watch-notification pipeline, all
// backed optionally by a per-partition write-ahead log.
package mvcc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bchess/mem-etcd/internal/blockdeque"
	"github.com/bchess/mem-etcd/internal/metrics"
	"github.com/bchess/mem-etcd/internal/notify"
	"github.com/bchess/mem-etcd/internal/prefix"
	"github.com/bchess/mem-etcd/internal/shardmap"
	"github.com/bchess/mem-etcd/internal/wal"
)

// watchChannelSize bounds the per-watcher buffer between the notify
// pipeline's single goroutine and whatever is draining that watcher's
// gRPC stream.
const watchChannelSize = 10000

// WALSettings configures the Store's write-ahead log. A nil *WALSettings
// passed to New disables persistence entirely (equivalent to ModeNone).
type WALSettings struct {
	Dir               string
	DefaultMode       wal.Mode
	LoadExisting      bool
	NoPersistPrefixes [][]byte
}

type watcher struct {
	id            int64
	startRevision int64
	rangeStart    []byte
	rangeEnd      []byte
	ch            chan KeyValueWithPrev
	done          chan struct{}
}

// Store is an in-memory, multi-version key-value store.
type Store struct {
	treeMap   *shardmap.Map[*keyItem]
	prefixMap *shardmap.Map[*partition]
	revisions *blockdeque.Deque[value]

	watchMu      sync.RWMutex
	watchers     map[int64]*watcher
	watchCounter atomic.Int64

	wal      *wal.Manager
	pipeline *notify.Pipeline[KeyValueWithPrev]

	log *logrus.Logger
}

// New creates an empty Store. If walSettings is non-nil, every mutation is
// durably logged per walSettings.DefaultMode, and if LoadExisting is set,
// the WAL directory's existing contents are replayed first.
//
// Replayed records are re-applied through the normal Set path, so they are
// assigned fresh, sequential revision numbers starting from 1 rather than
// the revision numbers they originally carried — and, since that re-applies
// through notifyWatchers, they are re-appended to the (already-append-mode)
// WAL files too. This mirrors the reference engine's own replay behavior
// exactly: a restart is observationally like replaying the same operations
// against a fresh store, not a true point-in-time restore.
func New(walSettings *WALSettings, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Store{
		treeMap:   shardmap.New[*keyItem](),
		prefixMap: shardmap.New[*partition](),
		revisions: blockdeque.NewDefault[value](),
		watchers:  make(map[int64]*watcher),
		log:       log,
	}

	if walSettings != nil {
		m, err := wal.NewManager(walSettings.Dir, walSettings.DefaultMode, walSettings.NoPersistPrefixes)
		if err != nil {
			return nil, fmt.Errorf("mvcc: init wal: %w", err)
		}
		s.wal = m
	}

	s.pipeline = notify.New[KeyValueWithPrev](1, 4096,
		notify.WithFullHook[KeyValueWithPrev](func(prefixHint string) {
			metrics.WatchResponseBlockingCount.WithLabelValues(prefixHint).Inc()
		}),
		notify.WithClosedHook[KeyValueWithPrev](func(prefixHint string) {
			metrics.WatchResponseClosedCount.WithLabelValues(prefixHint).Inc()
		}),
	)

	if walSettings != nil && walSettings.LoadExisting {
		// Re-applied records are appended to the same files LoadDir reads,
		// so every record is collected before any of them is re-applied.
		var records []*wal.Record
		err := wal.LoadDir(walSettings.Dir, func(rec *wal.Record) {
			records = append(records, rec)
		})
		if err != nil {
			return nil, fmt.Errorf("mvcc: load wal dir: %w", err)
		}
		for _, rec := range records {
			if _, _, err := s.Set(context.Background(), rec.Key, rec.Value, nil); err != nil {
				return nil, fmt.Errorf("mvcc: replay wal: %w", err)
			}
		}
	}

	return s, nil
}

// CurrentRevision returns the most recently assigned revision, or 0 if the
// store has never been written to.
func (s *Store) CurrentRevision() int64 {
	return int64(s.revisions.LatestIndex())
}

// CompactedRevision returns the highest revision discarded by Compact (0
// before any compaction): after Compact(r) it is r-1. Range and Watch
// reject revisions at or below it with ErrCompacted.
func (s *Store) CompactedRevision() int64 {
	return int64(s.revisions.EarliestIndex())
}

// ProgressRevision returns the highest revision fully dispatched to every
// watcher that should have seen it.
func (s *Store) ProgressRevision() int64 {
	return s.pipeline.ProgressRevision()
}

// WatcherCount returns the number of currently registered watchers.
func (s *Store) WatcherCount() int64 {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	return int64(len(s.watchers))
}

// Set creates or updates key. newValue == nil deletes the key. required, if
// non-nil, makes the write conditional on the key's current mod_revision
// and/or version; a precondition mismatch returns a non-nil Failure rather
// than an error.
func (s *Store) Set(ctx context.Context, key, newValue []byte, required *Required) (rev int64, failure *Failure, err error) {
	timer := prometheus.NewTimer(metrics.RequestLatencySeconds.WithLabelValues("set"))
	defer timer.ObserveDuration()
	metrics.RequestCount.WithLabelValues("set").Inc()

	p, suffix := prefix.Split(key)
	latestRev := s.CurrentRevision()

	reqRev := required.lastRevision()
	reqVer := required.version()

	lockStart := time.Now()
	item, ok := s.treeMap.Get(string(key))
	metrics.ObserveLock("set", "tree_map", "read", lockStart)
	if ok {
		return s.setExisting(ctx, item, key, newValue, p, latestRev, reqRev, reqVer)
	}

	if reqRev > 0 || reqVer > 0 {
		return latestRev, &Failure{CurrentRevision: latestRev}, nil
	}
	if newValue == nil {
		return latestRev, &Failure{CurrentRevision: latestRev}, nil
	}

	idx := s.revisions.Push(value{})
	newRev := int64(idx) + 1
	newVal := value{CreateRevision: newRev, ModRevision: newRev, Version: 1, Value: copyBytes(newValue)}
	s.revisions.Set(idx, newVal)
	metrics.TreeMapSizeBytes.Add(float64(len(newVal.Value)))

	item = &keyItem{key: copyBytes(key), revisions: []int64{newRev}, latest: newVal}

	insertStart := time.Now()
	part := s.prefixMap.GetOrInsert(string(p), newPartition)
	part.insert(suffix, item)
	metrics.ObserveLock("set", "prefix_map", "write", insertStart)

	treeStart := time.Now()
	s.treeMap.Set(string(key), item)
	metrics.ObserveLock("set", "tree_map", "write", treeStart)
	metrics.TreeMapItemCount.WithLabelValues(string(p)).Inc()

	waitWal := s.notifyWatchers(key, newVal, nil, p)
	if err := waitFor(ctx, waitWal); err != nil {
		return newRev, nil, err
	}
	return newRev, nil, nil
}

// Delete removes key. It is exactly Set(ctx, key, nil, required).
func (s *Store) Delete(ctx context.Context, key []byte, required *Required) (rev int64, failure *Failure, err error) {
	metrics.RequestCount.WithLabelValues("delete").Inc()
	return s.Set(ctx, key, nil, required)
}

func (s *Store) setExisting(ctx context.Context, item *keyItem, key, newValue, p []byte, latestRev, reqRev, reqVer int64) (int64, *Failure, error) {
	lockStart := time.Now()
	item.mu.Lock()
	metrics.ObserveLock("set", "tree_map", "write", lockStart)

	if !item.latest.deleted() {
		if (reqRev >= 0 && reqRev != item.latest.ModRevision) || (reqVer >= 0 && reqVer != item.latest.Version) {
			kv := asKeyValue(item.latest, item.key)
			item.mu.Unlock()
			return latestRev, &Failure{CurrentRevision: latestRev, CurrentKV: &kv}, nil
		}
	} else {
		if reqRev > 0 || reqVer > 0 {
			item.mu.Unlock()
			return latestRev, &Failure{CurrentRevision: latestRev}, nil
		}
		if newValue == nil {
			item.mu.Unlock()
			return latestRev, &Failure{CurrentRevision: latestRev}, nil
		}
	}

	// Drop any revisions this item remembers that have already been
	// compacted away. CompactedRevision is the last revision removed, so
	// anything <= it is gone.
	compactedRev := s.CompactedRevision()
	if len(item.revisions) > 0 && item.revisions[0] <= compactedRev {
		cut := 0
		for cut < len(item.revisions) && item.revisions[cut] <= compactedRev {
			cut++
		}
		item.revisions = item.revisions[cut:]
	}

	idx := s.revisions.Push(value{})
	newRev := int64(idx) + 1

	oldValue := item.latest

	nv := value{ModRevision: newRev, Value: copyBytes(newValue)}
	if !oldValue.deleted() {
		nv.CreateRevision = oldValue.CreateRevision
		nv.Version = oldValue.Version + 1
	} else {
		nv.CreateRevision = newRev
		nv.Version = 1
	}

	item.latest = nv
	s.revisions.Set(idx, nv)
	item.revisions = append(item.revisions, newRev)

	keyForWatchers := item.key
	valueForWatchers := item.latest
	item.mu.Unlock()

	metrics.TreeMapSizeBytes.Add(float64(len(nv.Value)))

	waitWal := s.notifyWatchers(keyForWatchers, valueForWatchers, &oldValue, p)
	if err := waitFor(ctx, waitWal); err != nil {
		return newRev, nil, err
	}
	return newRev, nil, nil
}

func waitFor(ctx context.Context, waitWal <-chan struct{}) error {
	if waitWal == nil {
		return nil
	}
	select {
	case <-waitWal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyWatchers gathers every watcher whose range matches key and enqueues
// a notify.Job for them (and, if a WAL is configured, for the durable log).
// It returns a channel that closes once the WAL write for this revision has
// been fsynced, or nil if there is nothing to wait for.
func (s *Store) notifyWatchers(key []byte, v value, prevValue *value, p []byte) <-chan struct{} {
	var targets []notify.Target[KeyValueWithPrev]
	s.watchMu.RLock()
	for _, w := range s.watchers {
		if w.startRevision > v.ModRevision {
			continue
		}
		if inRange(key, w.rangeStart, w.rangeEnd) {
			targets = append(targets, notify.Target[KeyValueWithPrev]{Ch: w.ch, Done: w.done})
		}
	}
	s.watchMu.RUnlock()

	kv := asKeyValue(v, key)
	var prevKV *KeyValue
	if prevValue != nil {
		pk := asKeyValue(*prevValue, key)
		prevKV = &pk
	}

	prefixStr := string(p)
	watchResultSize := uint64(len(kv.Value))
	if prevKV != nil {
		watchResultSize += uint64(len(prevKV.Value))
	}

	var waitWal chan struct{}
	if s.wal != nil && s.wal.DefaultMode() == wal.ModeSync {
		waitWal = make(chan struct{})
	}

	rev := v.ModRevision
	job := notify.Job[KeyValueWithPrev]{
		Rev:     rev,
		Targets: targets,
		Payload: KeyValueWithPrev{KV: kv, PrevKV: prevKV},
		OnDispatch: func() {
			if s.wal != nil {
				// A deleted key's KeyValue.Value is always the empty
				// slice (see asKeyValue), which is indistinguishable
				// here from a key that was explicitly set to "". The
				// WAL can't tell the two apart either, the same
				// ambiguity the reference engine's own WAL writer
				// carries.
				var walValue []byte
				if len(kv.Value) > 0 {
					walValue = kv.Value
				}
				rec := s.wal.Append(p, key, rev, walValue)
				if waitWal != nil {
					if rec == nil {
						close(waitWal)
					} else {
						go func() {
							<-rec.Done()
							close(waitWal)
						}()
					}
				}
			} else if waitWal != nil {
				close(waitWal)
			}

			if len(targets) == 0 {
				return
			}
			n := float64(len(targets))
			metrics.WatchResponseBytes.WithLabelValues(prefixStr).Add(float64(watchResultSize) * n)
			metrics.WatchResponseCount.WithLabelValues(prefixStr).Add(n)
			metrics.WatchResponsePerWatcherCount.WithLabelValues(prefixStr).Inc()
		},
	}
	s.pipeline.Enqueue(job)
	return waitWal
}

// Range resolves [start, end) at revision (0 meaning "latest, and stay
// internally consistent with CurrentRevision() as observed at call time"),
// up to limit results (limit <= 0 meaning unlimited). countOnly skips
// building the KVs slice but still computes an accurate Count.
func (s *Store) Range(start, end []byte, revision int64, limit int64, countOnly bool) (RangeResult, error) {
	timer := prometheus.NewTimer(metrics.RequestLatencySeconds.WithLabelValues("range"))
	defer timer.ObserveDuration()
	metrics.RequestCount.WithLabelValues("range").Inc()

	if limit <= 0 {
		limit = 1<<63 - 1
	}

	latestRev := s.CurrentRevision()
	if revision > latestRev {
		return RangeResult{}, ErrFutureRev
	}
	if revision > 0 && revision <= s.CompactedRevision() {
		return RangeResult{}, ErrCompacted
	}
	rev := revision
	if rev == 0 {
		rev = latestRev
	}

	p, bounds, err := prefix.RangeBounds(start, end)
	if err != nil {
		return RangeResult{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}

	lockStart := time.Now()
	part, ok := s.prefixMap.Get(string(p))
	metrics.ObserveLock("range", "prefix_map", "read", lockStart)
	if !ok {
		return RangeResult{KVs: nil, LatestRev: latestRev, Count: 0}, nil
	}

	var valueBytesTotal uint64
	var count int64
	results := make([]KeyValue, 0, 64)
	if countOnly {
		results = nil
	}

	part.rangeFunc(bounds, func(suffix string, item *keyItem) bool {
		item.mu.RLock()
		defer item.mu.RUnlock()

		if count > limit {
			count++
			return true
		}
		if count == limit {
			if s.hasValueForRevision(item, rev) {
				count++
			}
			return true
		}

		v, ok := s.findValueForRevision(item, rev)
		if !ok || v.deleted() {
			return true
		}
		if !countOnly && int64(len(results)) < limit {
			fullKey := append(append([]byte(nil), p...), suffix...)
			valueBytesTotal += uint64(len(v.Value))
			results = append(results, asKeyValue(v, fullKey))
		}
		count++
		return true
	})

	metrics.RangeResponseBytes.WithLabelValues(string(p)).Add(float64(valueBytesTotal))
	metrics.RangeResponseCount.WithLabelValues(string(p)).Add(float64(len(results)))

	return RangeResult{KVs: results, LatestRev: latestRev, Count: count}, nil
}

// findValueForRevision returns the value item had as of rev (the highest
// recorded revision <= rev), or false if item had no value that old (it was
// created after rev).
func (s *Store) findValueForRevision(item *keyItem, rev int64) (value, bool) {
	if rev >= item.latest.ModRevision {
		return item.latest, true
	}
	i, found := searchRevisions(item.revisions, rev)
	if found {
		if v, ok := s.revisions.Get(int(item.revisions[i] - 1)); ok {
			return v, true
		}
		return value{}, false
	}
	if i > 0 {
		if v, ok := s.revisions.Get(int(item.revisions[i-1] - 1)); ok {
			return v, true
		}
	}
	return value{}, false
}

func (s *Store) hasValueForRevision(item *keyItem, rev int64) bool {
	v, ok := s.findValueForRevision(item, rev)
	return ok && !v.deleted()
}

// searchRevisions returns (i, true) if revisions[i] == rev, or (i, false)
// with i being the insertion point otherwise (mirroring Rust's
// slice::binary_search Ok/Err split).
func searchRevisions(revisions []int64, rev int64) (int, bool) {
	lo, hi := 0, len(revisions)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case revisions[mid] == rev:
			return mid, true
		case revisions[mid] < rev:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// Compact discards every revision strictly before revision, freeing the
// Value slots they occupied. Keys whose only recorded revisions are all
// compacted away remain indexed (they're lazily trimmed on next write);
// this mirrors the reference engine, which defers that cleanup rather than
// doing it synchronously under Compact's caller.
func (s *Store) Compact(revision int64) error {
	timer := prometheus.NewTimer(metrics.RequestLatencySeconds.WithLabelValues("compact"))
	defer timer.ObserveDuration()
	metrics.RequestCount.WithLabelValues("compact").Inc()

	if revision < 1 || revision > s.CurrentRevision() {
		return ErrCompacted
	}
	if err := s.revisions.RemoveBefore(int(revision - 1)); err != nil {
		return fmt.Errorf("mvcc: compact: %w", err)
	}
	metrics.CompactedRevisionCount.Set(float64(s.CompactedRevision()))
	return nil
}

// Watch registers a new watcher over [start, end) and returns every change
// already on record from startRevision onward (backfill), the watcher's ID,
// and the channel future events will arrive on. startRevision <= 0 means
// "start from whatever is current now", delivering no backfill.
func (s *Store) Watch(start, end []byte, startRevision int64, wantPrevKV bool) ([]KeyValueWithPrev, int64, <-chan KeyValueWithPrev, error) {
	compactRev := s.CompactedRevision()
	if startRevision > 0 && startRevision <= compactRev {
		return nil, 0, nil, ErrCompacted
	}

	startRev := startRevision
	if startRev <= 0 {
		startRev = s.CurrentRevision()
	}

	id := s.watchCounter.Add(1)
	ch := make(chan KeyValueWithPrev, watchChannelSize)
	done := make(chan struct{})
	w := &watcher{
		id:            id,
		startRevision: startRev,
		rangeStart:    copyBytes(start),
		rangeEnd:      copyBytes(end),
		ch:            ch,
		done:          done,
	}

	s.watchMu.Lock()
	s.watchers[id] = w
	s.watchMu.Unlock()
	metrics.WatcherCount.Set(float64(s.WatcherCount()))

	var backfill []KeyValueWithPrev
	if startRevision > 0 {
		p, bounds, err := prefix.RangeBounds(start, end)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		if part, ok := s.prefixMap.Get(string(p)); ok {
			part.rangeFunc(bounds, func(suffix string, item *keyItem) bool {
				item.mu.RLock()
				defer item.mu.RUnlock()

				startPos, _ := searchRevisions(item.revisions, startRev)
				pos := startPos
				if pos > 0 && wantPrevKV {
					pos--
				}

				var prevKV *KeyValue
				for ; pos < len(item.revisions); pos++ {
					itemRev := item.revisions[pos]
					v, ok := s.revisions.Get(int(itemRev - 1))
					if !ok {
						prevKV = nil
						continue
					}
					if itemRev >= startRev {
						backfill = append(backfill, KeyValueWithPrev{
							KV:     asKeyValue(v, item.key),
							PrevKV: prevKV,
						})
					}
					if wantPrevKV {
						kv := asKeyValue(v, item.key)
						prevKV = &kv
					} else {
						prevKV = nil
					}
				}
				return true
			})
		}
	}

	return backfill, id, ch, nil
}

// Unwatch deregisters the watcher previously returned by Watch and closes
// its done signal, so any notify-pipeline send still in flight for it
// unblocks instead of leaking a goroutine.
func (s *Store) Unwatch(start []byte, watchID int64) {
	s.watchMu.Lock()
	w, ok := s.watchers[watchID]
	if ok {
		delete(s.watchers, watchID)
	}
	s.watchMu.Unlock()
	if ok {
		close(w.done)
	}
	metrics.WatcherCount.Set(float64(s.WatcherCount()))
}

// inRange reports whether key falls within [rangeStart, rangeEnd), with an
// empty rangeEnd meaning "match rangeStart exactly" (a single-key watch).
func inRange(key, rangeStart, rangeEnd []byte) bool {
	if len(rangeEnd) == 0 {
		return string(key) == string(rangeStart)
	}
	return string(key) >= string(rangeStart) && string(key) < string(rangeEnd)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

