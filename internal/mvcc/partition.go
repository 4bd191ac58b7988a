package mvcc

import (
	"sort"
	"sync"

	"github.com/bchess/mem-etcd/internal/prefix"
)

// keyItem tracks every revision recorded for a single key: the ascending
// list of revisions that have touched it (trimmed as compaction advances)
// and its current value.
type keyItem struct {
	mu sync.RWMutex

	key       []byte
	revisions []int64 // ascending, 1-based revision numbers
	latest    value
}

// partition is the ordered suffix index for one key-space partition (see
// internal/prefix). It stands in for the reference engine's per-prefix
// BTreeMap: a sorted slice of suffixes plus a map from suffix to item,
// with sort.SearchStrings doing the binary-search lookups that back both
// point gets and ordered range scans.
type partition struct {
	mu    sync.RWMutex
	keys  []string // sorted ascending
	items map[string]*keyItem
}

func newPartition() *partition {
	return &partition{items: make(map[string]*keyItem)}
}

// insert indexes item under suffix, replacing any item already indexed
// there.
func (p *partition) insert(suffix []byte, item *keyItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := string(suffix)
	if _, ok := p.items[s]; !ok {
		i := sort.SearchStrings(p.keys, s)
		p.keys = append(p.keys, "")
		copy(p.keys[i+1:], p.keys[i:])
		p.keys[i] = s
	}
	p.items[s] = item
}

// get returns the item for suffix, if any.
func (p *partition) get(suffix []byte) (*keyItem, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, ok := p.items[string(suffix)]
	return it, ok
}

// rangeFunc invokes f for every (suffix, item) pair within bounds, in
// ascending suffix order, until f returns false.
func (p *partition) rangeFunc(b prefix.Bounds, f func(suffix string, item *keyItem) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if b.Exact {
		s := string(b.Lo)
		if it, ok := p.items[s]; ok {
			f(s, it)
		}
		return
	}

	lo := string(b.Lo)
	start := sort.SearchStrings(p.keys, lo)
	hi := string(b.Hi)
	for i := start; i < len(p.keys); i++ {
		k := p.keys[i]
		if !b.Unbounded && k >= hi {
			break
		}
		if !f(k, p.items[k]) {
			return
		}
	}
}
