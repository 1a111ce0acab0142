package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("fresh generator starts at 1", func(t *testing.T) {
		gen := NewIdGenerator(0)
		require.NotNil(t, gen)
		assert.Equal(t, uint32(0), gen.Last())
		assert.Equal(t, uint32(1), gen.Id())
	})

	t.Run("continues after the given id", func(t *testing.T) {
		gen := NewIdGenerator(100)
		assert.Equal(t, uint32(101), gen.Id())
		assert.Equal(t, uint32(101), gen.Last())
	})
}

func TestIdGenerator_Id(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		gen := NewIdGenerator(0)
		for want := uint32(1); want <= 10; want++ {
			assert.Equal(t, want, gen.Id())
		}
	})

	t.Run("wraps around without handing out zero", func(t *testing.T) {
		gen := NewIdGenerator(^uint32(0) - 1)
		assert.Equal(t, ^uint32(0), gen.Id())
		assert.Equal(t, uint32(1), gen.Id())
		assert.Equal(t, uint32(2), gen.Id())
	})
}

func TestIdGenerator_Concurrent(t *testing.T) {
	const goroutines = 50
	const perGoroutine = 200

	gen := NewIdGenerator(0)
	ids := make(chan uint32, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- gen.Id()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]struct{}, goroutines*perGoroutine)
	for id := range ids {
		assert.NotZero(t, id)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, goroutines*perGoroutine)
	assert.Equal(t, uint32(goroutines*perGoroutine), gen.Last())
}
