package ports

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAllocatorValidation(t *testing.T) {
	_, err := NewAllocator(0, 100)
	assert.Error(t, err)
	_, err = NewAllocator(49000, 49000)
	assert.Error(t, err)
	a, err := NewAllocator(49000, 49010)
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestReserveUniqueWithinRange(t *testing.T) {
	a, err := NewAllocator(49100, 49110)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		p, err := a.Reserve(fmt.Sprintf("inst-%d", i))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, 49100)
		assert.Less(t, p, 49110)
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}
}

func TestReserveConcurrentNoDuplicates(t *testing.T) {
	a, err := NewAllocator(49200, 49240)
	require.NoError(t, err)

	const n = 20
	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := a.Reserve(fmt.Sprintf("inst-%d", i))
			if err == nil {
				results[i] = p
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]int)
	for i, p := range results {
		if p == 0 {
			continue
		}
		prev, dup := seen[p]
		assert.False(t, dup, "port %d reserved by both %d and %d", p, prev, i)
		seen[p] = i
	}
}

func TestExhaustion(t *testing.T) {
	a, err := NewAllocator(49300, 49303)
	require.NoError(t, err)

	got := 0
	for i := 0; i < 3; i++ {
		if _, err := a.Reserve(fmt.Sprintf("inst-%d", i)); err == nil {
			got++
		}
	}
	// other processes on the host may hold some ports; whatever was granted,
	// the next reservation must fail with ErrExhausted
	_, err = a.Reserve("one-too-many")
	require.ErrorIs(t, err, ErrExhausted)
	assert.Positive(t, got)
}

func TestReleaseOwnerChecked(t *testing.T) {
	a, err := NewAllocator(49400, 49410)
	require.NoError(t, err)

	p, err := a.Reserve("owner-a")
	require.NoError(t, err)

	// a stale release by someone else must not free the port
	a.Release("owner-b", p)
	assert.Equal(t, "owner-a", a.Reserved()[p])

	a.Release("owner-a", p)
	_, held := a.Reserved()[p]
	assert.False(t, held)

	// released port becomes reservable again
	for i := 0; i < 10; i++ {
		q, err := a.Reserve(fmt.Sprintf("again-%d", i))
		require.NoError(t, err)
		if q == p {
			return
		}
	}
	t.Fatalf("released port %d never handed out again", p)
}

func TestMarkUsedExcludes(t *testing.T) {
	a, err := NewAllocator(49500, 49504)
	require.NoError(t, err)
	a.MarkUsed("registry", 49500, 49501, 49502, 49999) // last one out of range

	assert.Equal(t, "registry", a.Reserved()[49500])
	_, held := a.Reserved()[49999]
	assert.False(t, held)

	p, err := a.Reserve("inst-1")
	require.NoError(t, err)
	assert.Equal(t, 49503, p)
}
