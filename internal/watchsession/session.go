// Package watchsession turns a single *mvcc.Store watch registration into
// the sequence of responses one gRPC Watch stream should send: a created
// acknowledgment, a backfill batch if there's history to deliver, then live
// event batches interleaved with progress responses, event batches always
// taking priority.
package watchsession

import (
	"context"

	"github.com/bchess/mem-etcd/internal/mvcc"
)

// Event is the wire-shaped representation of one watched mutation.
type Event struct {
	KV       mvcc.KeyValue
	PrevKV   *mvcc.KeyValue
	IsDelete bool
}

// Message is one response a Session wants its caller to deliver to the
// client. Exactly one of the three shapes below applies: Created (the
// initial ack), a non-empty Events batch, or IsProgress.
type Message struct {
	Created    bool
	IsProgress bool
	Revision   int64
	Events     []Event
}

const maxEventBatch = 1000

// Session drives one client's watch, translating *mvcc.Store's raw
// KeyValueWithPrev delivery channel into Messages in the same order and
// batching the reference watch loop produces.
type Session struct {
	store      *mvcc.Store
	WatchID    int64
	key        []byte
	rangeEnd   []byte
	wantPrevKV bool
	ch         <-chan mvcc.KeyValueWithPrev

	maxEventRev int64
}

// Create registers a new watch over [key, rangeEnd) starting at
// startRevision (<= 0 meaning "now, no backfill") and returns the Session
// plus the messages the client should receive immediately: always a
// Created message, followed by one backfill Message if there was any
// history in range.
func Create(store *mvcc.Store, key, rangeEnd []byte, startRevision int64, wantPrevKV bool) (*Session, []Message, error) {
	backfill, watchID, ch, err := store.Watch(key, rangeEnd, startRevision, wantPrevKV)
	if err != nil {
		return nil, nil, err
	}

	s := &Session{
		store:      store,
		WatchID:    watchID,
		key:        key,
		rangeEnd:   rangeEnd,
		wantPrevKV: wantPrevKV,
		ch:         ch,
	}

	msgs := []Message{{Created: true, Revision: store.CurrentRevision()}}
	if len(backfill) > 0 {
		msgs = append(msgs, Message{Revision: store.CurrentRevision(), Events: s.toEvents(backfill)})
	}
	return s, msgs, nil
}

func (s *Session) toEvents(kvs []mvcc.KeyValueWithPrev) []Event {
	out := make([]Event, len(kvs))
	for i, kv := range kvs {
		var prevKV *mvcc.KeyValue
		if s.wantPrevKV {
			prevKV = kv.PrevKV
		}
		out[i] = Event{KV: kv.KV, PrevKV: prevKV, IsDelete: len(kv.KV.Value) == 0}
	}
	return out
}

// Next blocks until there is something to deliver: a batch of live events,
// or (once progressRequested fires) a progress response. Pending events
// always win over a pending progress request — mirroring the reference
// loop's `select! { biased; ... }` — so a progress response never reports
// a revision earlier than an event the client hasn't seen yet.
//
// Next returns ok=false once Cancel has been called, or if ctx is done. A
// Next call already blocked when Cancel runs is ended only by ctx.
func (s *Session) Next(ctx context.Context, progressRequested <-chan struct{}) (msg Message, ok bool, err error) {
	select {
	case kv, chOK := <-s.ch:
		if !chOK {
			return Message{}, false, nil
		}
		return s.drainBatch(kv), true, nil
	default:
	}

	select {
	case kv, chOK := <-s.ch:
		if !chOK {
			return Message{}, false, nil
		}
		return s.drainBatch(kv), true, nil
	case <-progressRequested:
		return Message{IsProgress: true, Revision: s.progressRevision()}, true, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// progressRevision is the highest revision the client can be told "you've
// seen everything up to here": the store's own global progress marker, or
// this session's own last-delivered revision if that happens to be ahead
// of it (store.ProgressRevision() updates asynchronously after enqueuing,
// so there's a small window where this session is locally ahead of it).
func (s *Session) progressRevision() int64 {
	rev := s.store.ProgressRevision()
	if s.maxEventRev > rev {
		return s.maxEventRev
	}
	return rev
}

// drainBatch collects first plus whatever else is already queued (up to
// maxEventBatch) into one Message, mirroring recv_many's batching.
func (s *Session) drainBatch(first mvcc.KeyValueWithPrev) Message {
	batch := make([]mvcc.KeyValueWithPrev, 1, maxEventBatch)
	batch[0] = first

drain:
	for len(batch) < maxEventBatch {
		select {
		case kv, ok := <-s.ch:
			if !ok {
				break drain
			}
			batch = append(batch, kv)
		default:
			break drain
		}
	}

	lastRev := batch[len(batch)-1].KV.ModRevision
	if lastRev > s.maxEventRev {
		s.maxEventRev = lastRev
	}
	return Message{Revision: lastRev, Events: s.toEvents(batch)}
}

// Cancel tears down the watch, as if the client had sent a matching
// CancelRequest. It replaces the session's event channel with a closed one,
// so it must not run concurrently with Next.
func (s *Session) Cancel() {
	s.store.Unwatch(s.key, s.WatchID)
	closed := make(chan mvcc.KeyValueWithPrev)
	close(closed)
	s.ch = closed
}
