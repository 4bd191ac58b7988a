package mvcc

// value is the internal, revision-stamped representation of a single
// write. value.Value == nil marks a deletion; a present-but-empty value is
// a non-nil, zero-length slice.
type value struct {
	CreateRevision int64
	ModRevision    int64
	Version        int64
	Value          []byte
}

func (v value) deleted() bool { return v.Value == nil }

// KeyValue is the externally visible, wire-shaped representation of a key
// at a particular revision. A deleted key is represented with
// CreateRevision == 0, Version == 0, and an empty Value, matching etcd's
// own convention for delete events.
type KeyValue struct {
	Key            []byte
	Value          []byte
	CreateRevision int64
	ModRevision    int64
	Version        int64
}

func asKeyValue(v value, key []byte) KeyValue {
	kv := KeyValue{
		Key:         append([]byte(nil), key...),
		ModRevision: v.ModRevision,
	}
	if v.deleted() {
		kv.Value = []byte{}
		return kv
	}
	kv.Value = v.Value
	kv.CreateRevision = v.CreateRevision
	kv.Version = v.Version
	return kv
}

// KeyValueWithPrev pairs a change with the value it replaced, when the
// watcher asked for it (want_prev_kv).
type KeyValueWithPrev struct {
	KV     KeyValue
	PrevKV *KeyValue
}

// Required expresses a single-key compare-and-swap precondition for Set or
// Delete. A nil field means "no constraint on this axis". Setting a field
// to 0 means "this key must not currently exist" (never had a revision, or
// was previously deleted).
type Required struct {
	RequiredLastRevision *int64
	RequiredVersion      *int64
}

func (r *Required) lastRevision() int64 {
	if r == nil || r.RequiredLastRevision == nil {
		return -1
	}
	return *r.RequiredLastRevision
}

func (r *Required) version() int64 {
	if r == nil || r.RequiredVersion == nil {
		return -1
	}
	return *r.RequiredVersion
}

// Failure describes why a conditional Set/Delete did not apply: the
// current revision of the store, and (if the key exists) its current
// value.
type Failure struct {
	CurrentRevision int64
	CurrentKV       *KeyValue
}

// RangeResult is the result of a Range query.
type RangeResult struct {
	KVs       []KeyValue
	LatestRev int64
	Count     int64
}
