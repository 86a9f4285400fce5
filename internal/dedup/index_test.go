package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndex_RegisterIsIdempotent(t *testing.T) {
	idx := New()

	assert.False(t, idx.Seen("alice|hi|1"))
	assert.True(t, idx.Register("alice|hi|1", "A"))
	assert.False(t, idx.Register("alice|hi|1", "B"))
	assert.True(t, idx.Seen("alice|hi|1"))

	id, ok := idx.Lookup("alice|hi|1")
	assert.True(t, ok)
	assert.Equal(t, "A", id)
	assert.Equal(t, 1, idx.Len())
}

func TestIndex_LookupMissing(t *testing.T) {
	_, ok := New().Lookup("nope")
	assert.False(t, ok)
}

func TestIndex_ConcurrentRegisterHasOneWinner(t *testing.T) {
	idx := New()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if idx.Register("same-key", fmt.Sprintf("id-%d", n)) {
				wins.Add(1)
			}
		}(n)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestIndex_Forget(t *testing.T) {
	idx := New()
	idx.Register("k1", "A")
	idx.Register("id:A", "A")
	idx.Register("k2", "B")

	removed := idx.Forget(map[string]struct{}{"A": {}})

	assert.Equal(t, 2, removed)
	assert.False(t, idx.Seen("k1"))
	assert.True(t, idx.Seen("k2"))
}

func TestIndex_InstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Register("k", "A")
	assert.False(t, b.Seen("k"))
}

func TestIndex_ReleaseOnlyMatchingOwner(t *testing.T) {
	idx := New()
	idx.Register("k", "A")

	idx.Release("k", "B")
	assert.True(t, idx.Seen("k"))

	idx.Release("k", "A")
	assert.False(t, idx.Seen("k"))
}
