package shardmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasic(t *testing.T) {
	m := New[int]()

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Set("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Set("a", 2)
	v, _ = m.Get("a")
	assert.Equal(t, 2, v)

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestGetOrInsert(t *testing.T) {
	m := New[int]()
	calls := 0
	v := m.GetOrInsert("k", func() int { calls++; return 42 })
	assert.Equal(t, 42, v)
	v = m.GetOrInsert("k", func() int { calls++; return 99 })
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestLenAndRange(t *testing.T) {
	m := NewShards[int](4)
	for i := 0; i < 100; i++ {
		m.Set(fmt.Sprintf("key-%d", i), i)
	}
	assert.Equal(t, 100, m.Len())

	seen := make(map[string]int)
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Len(t, seen, 100)
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%10)
			m.Set(key, i)
			m.Get(key)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 10)
}
