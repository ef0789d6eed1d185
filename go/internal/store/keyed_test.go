package store_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/store"
)

type counter struct {
	N    int
	Tags []string
}

func cloneCounter(c counter) counter {
	c.Tags = append([]string(nil), c.Tags...)
	return c
}

func TestStore_BasicOperations(t *testing.T) {
	t.Run("get on empty store", func(t *testing.T) {
		s := store.New[string, int](nil)

		_, ok := s.Get("missing")
		assert.False(t, ok)
		assert.False(t, s.Remove("missing"))
		assert.False(t, s.Update("missing", func(v int) int { return v + 1 }))
	})

	t.Run("insert if absent never overwrites", func(t *testing.T) {
		s := store.New[string, int](nil)

		assert.True(t, s.InsertIfAbsent("a", 1))
		assert.False(t, s.InsertIfAbsent("a", 2))

		v, ok := s.Get("a")
		require.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("remove then insert again", func(t *testing.T) {
		s := store.New[string, int](nil)
		require.True(t, s.InsertIfAbsent("a", 1))

		assert.True(t, s.Remove("a"))
		assert.False(t, s.Has("a"))
		assert.True(t, s.InsertIfAbsent("a", 5))

		v, _ := s.Get("a")
		assert.Equal(t, 5, v)
	})

	t.Run("take returns removed value", func(t *testing.T) {
		s := store.New[string, int](nil)
		require.True(t, s.InsertIfAbsent("a", 7))

		v, ok := s.Take("a")
		assert.True(t, ok)
		assert.Equal(t, 7, v)

		_, ok = s.Take("a")
		assert.False(t, ok)
	})
}

func TestStore_Modify(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		s := store.New[string, int](nil)

		called := false
		_, err := s.Modify("a", func(v int) (int, error) {
			called = true
			return v, nil
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.False(t, called)
	})

	t.Run("transform error aborts the write", func(t *testing.T) {
		s := store.New[string, int](nil)
		require.True(t, s.InsertIfAbsent("a", 1))
		boom := errors.New("boom")

		_, err := s.Modify("a", func(v int) (int, error) {
			return 100, boom
		})
		assert.ErrorIs(t, err, boom)

		v, _ := s.Get("a")
		assert.Equal(t, 1, v)
	})

	t.Run("returns committed value", func(t *testing.T) {
		s := store.New[string, int](nil)
		require.True(t, s.InsertIfAbsent("a", 1))

		v, err := s.Modify("a", func(v int) (int, error) { return v * 10, nil })
		require.NoError(t, err)
		assert.Equal(t, 10, v)
	})
}

func TestStore_CloneIsolation(t *testing.T) {
	s := store.New[string, counter](cloneCounter)
	original := counter{N: 1, Tags: []string{"x"}}
	require.True(t, s.InsertIfAbsent("a", original))

	original.Tags[0] = "mutated-after-insert"
	got, _ := s.Get("a")
	assert.Equal(t, "x", got.Tags[0])

	got.Tags[0] = "mutated-after-get"
	again, _ := s.Get("a")
	assert.Equal(t, "x", again.Tags[0])
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	const workers = 64
	const perWorker = 50

	s := store.New[string, counter](cloneCounter)
	require.True(t, s.InsertIfAbsent("k", counter{}))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ok := s.Update("k", func(c counter) counter {
					c.N++
					return c
				})
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, workers*perWorker, v.N)
}

func TestStore_ConcurrentInsertHasOneWinner(t *testing.T) {
	s := store.New[string, int](nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.InsertIfAbsent("g1", i) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, s.Len())
}

func TestStore_ConcurrentUpsert(t *testing.T) {
	s := store.New[string, int](nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Upsert("k", func(cur int, exists bool) int {
				if !exists {
					return 1
				}
				return cur + 1
			})
		}()
	}
	wg.Wait()

	v, _ := s.Get("k")
	assert.Equal(t, 100, v)
}

func TestStore_Compute(t *testing.T) {
	s := store.New[string, []string](func(v []string) []string { return append([]string(nil), v...) })

	t.Run("creates when absent", func(t *testing.T) {
		v, ok := s.Compute("room", func(cur []string, exists bool) ([]string, bool) {
			assert.False(t, exists)
			return append(cur, "u1"), true
		})
		assert.True(t, ok)
		assert.Equal(t, []string{"u1"}, v)
	})

	t.Run("drops when keep is false", func(t *testing.T) {
		_, ok := s.Compute("room", func(cur []string, exists bool) ([]string, bool) {
			assert.True(t, exists)
			return nil, false
		})
		assert.False(t, ok)
		assert.False(t, s.Has("room"))
	})

	t.Run("not keeping an absent key leaves nothing behind", func(t *testing.T) {
		_, ok := s.Compute("ghost", func(cur []string, exists bool) ([]string, bool) {
			return nil, false
		})
		assert.False(t, ok)
		assert.Equal(t, 0, s.Len())
		assert.True(t, s.InsertIfAbsent("ghost", []string{"x"}))
	})
}

func TestStore_UpdateRacingRemove(t *testing.T) {
	s := store.New[string, int](nil)
	require.True(t, s.InsertIfAbsent("k", 0))

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Update("k", func(v int) int { return v + 1 }) {
				applied.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Remove("k")
	}()
	wg.Wait()

	// whatever interleaving happened, the key is gone and never resurrected
	assert.False(t, s.Has("k"))
	assert.LessOrEqual(t, applied.Load(), int32(50))
}

func TestStore_Enumeration(t *testing.T) {
	s := store.New[string, int](nil)
	for i := 0; i < 10; i++ {
		require.True(t, s.InsertIfAbsent(fmt.Sprintf("k%d", i), i))
	}

	t.Run("all matching", func(t *testing.T) {
		even := s.AllMatching(func(v int) bool { return v%2 == 0 })
		assert.ElementsMatch(t, []int{0, 2, 4, 6, 8}, even)
		assert.Len(t, s.AllMatching(nil), 10)
	})

	t.Run("keys and len", func(t *testing.T) {
		assert.Len(t, s.Keys(), 10)
		assert.Equal(t, 10, s.Len())
	})

	t.Run("delete matching", func(t *testing.T) {
		n := s.DeleteMatching(func(_ string, v int) bool { return v >= 5 })
		assert.Equal(t, 5, n)
		assert.Equal(t, 5, s.Len())
		assert.False(t, s.Has("k7"))
		assert.True(t, s.Has("k3"))
	})
}

func TestStore_RemoveFuncRunsBeforeUnlock(t *testing.T) {
	s := store.New[string, int](nil)
	require.True(t, s.InsertIfAbsent("k", 42))

	var seen int
	ok := s.RemoveFunc("k", func(v int) {
		seen = v
		// the key is still locked, so a concurrent reader cannot observe
		// anything but the old value or absence
	})
	assert.True(t, ok)
	assert.Equal(t, 42, seen)
	assert.False(t, s.Has("k"))
}
