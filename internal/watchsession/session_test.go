package watchsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bchess/mem-etcd/internal/mvcc"
)

func newStore(t *testing.T) *mvcc.Store {
	t.Helper()
	s, err := mvcc.New(nil, nil)
	require.NoError(t, err)
	return s
}

func TestCreateNoHistoryYieldsOnlyCreatedMessage(t *testing.T) {
	store := newStore(t)
	sess, msgs, err := Create(store, []byte("/registry/pods/default/a"), nil, 0, false)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Created)
}

func TestCreateWithHistoryYieldsBackfillMessage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	key := []byte("/registry/pods/default/a")
	rev1, _, err := store.Set(ctx, key, []byte("v1"), nil)
	require.NoError(t, err)
	_, _, err = store.Set(ctx, key, []byte("v2"), nil)
	require.NoError(t, err)

	sess, msgs, err := Create(store, key, nil, rev1, false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Created)
	require.Len(t, msgs[1].Events, 2)
	assert.Equal(t, []byte("v1"), msgs[1].Events[0].KV.Value)
	assert.Equal(t, []byte("v2"), msgs[1].Events[1].KV.Value)
	_ = sess
}

func TestNextDeliversLiveEventBatch(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	key := []byte("/registry/pods/default/a")

	sess, _, err := Create(store, key, nil, 0, false)
	require.NoError(t, err)

	_, _, err = store.Set(ctx, key, []byte("v1"), nil)
	require.NoError(t, err)

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, ok, err := sess.Next(nextCtx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, msg.Events, 1)
	assert.Equal(t, []byte("v1"), msg.Events[0].KV.Value)
	assert.False(t, msg.IsProgress)
}

func TestNextPrefersEventsOverProgress(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	key := []byte("/registry/pods/default/a")

	sess, _, err := Create(store, key, nil, 0, false)
	require.NoError(t, err)

	_, _, err = store.Set(ctx, key, []byte("v1"), nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let the notify pipeline deliver

	progress := make(chan struct{}, 1)
	progress <- struct{}{}

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, ok, err := sess.Next(nextCtx, progress)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, msg.IsProgress)
	require.Len(t, msg.Events, 1)
}

func TestNextReturnsProgressWhenNoEventsPending(t *testing.T) {
	store := newStore(t)
	sess, _, err := Create(store, []byte("/registry/pods/default/a"), nil, 0, false)
	require.NoError(t, err)

	progress := make(chan struct{}, 1)
	progress <- struct{}{}

	msg, ok, err := sess.Next(context.Background(), progress)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, msg.IsProgress)
}

func TestCancelTerminatesNext(t *testing.T) {
	store := newStore(t)
	sess, _, err := Create(store, []byte("/registry/pods/default/a"), nil, 0, false)
	require.NoError(t, err)

	sess.Cancel()

	msg, ok, err := sess.Next(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Message{}, msg)
}

func TestNextRespectsContextCancellation(t *testing.T) {
	store := newStore(t)
	sess, _, err := Create(store, []byte("/registry/pods/default/a"), nil, 0, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := sess.Next(ctx, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWantPrevKVSuppressedWhenNotRequested(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	key := []byte("/registry/pods/default/a")
	rev1, _, err := store.Set(ctx, key, []byte("v1"), nil)
	require.NoError(t, err)
	_, _, err = store.Set(ctx, key, []byte("v2"), nil)
	require.NoError(t, err)

	_, msgs, err := Create(store, key, nil, rev1, false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, ev := range msgs[1].Events {
		assert.Nil(t, ev.PrevKV)
	}
}
