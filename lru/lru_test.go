package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_EvictionSequence(t *testing.T) {
	var evicted []string
	c := New[string, int](2, nil, func(wasEvicted bool, key string, oldValue, newValue int) {
		if wasEvicted {
			evicted = append(evicted, key)
		}
	})

	c.Put("A", 1)
	c.Put("B", 2)
	if _, ok := c.Get("A", nil); !ok {
		t.Fatalf("expected A present")
	}
	c.Put("C", 3)

	if _, ok := c.Get("A", nil); !ok {
		t.Errorf("A should still be present after put(C)")
	}
	if _, ok := c.Get("B", nil); ok {
		t.Errorf("B should have been evicted")
	}
	if _, ok := c.Get("C", nil); !ok {
		t.Errorf("C should be present")
	}
	if got := evicted; len(got) != 1 || got[0] != "B" {
		t.Fatalf("eviction log = %v, want [B]", got)
	}
}

func TestCache_PutReplaceNotifiesNonEvicted(t *testing.T) {
	type event struct {
		evicted  bool
		key      string
		old, new int
	}
	var events []event
	c := New[string, int](10, nil, func(wasEvicted bool, key string, oldValue, newValue int) {
		events = append(events, event{wasEvicted, key, oldValue, newValue})
	})

	c.Put("A", 1)
	c.Put("A", 2)

	if len(events) != 1 {
		t.Fatalf("events = %v, want exactly one replace notification", events)
	}
	if ev := events[0]; ev.evicted || ev.key != "A" || ev.old != 1 || ev.new != 2 {
		t.Errorf("replace event = %+v, want {false A 1 2}", ev)
	}
}

func TestCache_RemoveNotifiesNotEvicted(t *testing.T) {
	var gotEvicted bool
	var called bool
	c := New[string, int](10, nil, func(wasEvicted bool, key string, oldValue, newValue int) {
		called = true
		gotEvicted = wasEvicted
	})
	c.Put("A", 1)
	v, ok := c.Remove("A")
	if !ok || v != 1 {
		t.Fatalf("Remove = (%v, %v), want (1, true)", v, ok)
	}
	if !called || gotEvicted {
		t.Errorf("Remove must notify with evicted=false")
	}
	if _, ok := c.Get("A", nil); ok {
		t.Errorf("A should be gone after Remove")
	}
}

func TestCache_GetMissNoCreate(t *testing.T) {
	c := New[string, int](10, nil, nil)
	if _, ok := c.Get("missing", nil); ok {
		t.Errorf("expected miss for absent key with no create func")
	}
}

func TestCache_GetCreatesOnMiss(t *testing.T) {
	c := New[string, int](10, nil, nil)
	v, ok := c.Get("A", func(string) (int, bool) { return 42, true })
	if !ok || v != 42 {
		t.Fatalf("Get-with-create = (%v, %v), want (42, true)", v, ok)
	}
	// second Get must be a plain hit, not another create call.
	calls := 0
	v, ok = c.Get("A", func(string) (int, bool) { calls++; return 0, true })
	if !ok || v != 42 || calls != 0 {
		t.Errorf("expected cached hit without invoking create, got (%v, %v, calls=%d)", v, ok, calls)
	}
}

func TestCache_RacingPutWinsOverCreate(t *testing.T) {
	// Simulate the race manually: a Put happens between create() running
	// and the Get call's relock, by calling Put directly from within the
	// create func supplied to Get.
	var sawRaced int
	var gotEvicted bool
	c := New[string, int](10, nil, func(wasEvicted bool, key string, oldValue, newValue int) {
		gotEvicted = wasEvicted
		sawRaced = newValue
	})
	v, ok := c.Get("A", func(string) (int, bool) {
		c.Put("A", 99) // races in before Get's create-path relock
		return 1, true
	})
	require.True(t, ok)
	assert.Equal(t, 99, v, "racing put should win")
	assert.False(t, gotEvicted, "racing-put-beats-create must notify evicted=false")
	assert.Equal(t, 99, sawRaced, "notified newValue should be the raced-in value")
}

func TestCache_ResizeTrims(t *testing.T) {
	var evicted []string
	c := New[string, int](10, nil, func(wasEvicted bool, key string, oldValue, newValue int) {
		if wasEvicted {
			evicted = append(evicted, key)
		}
	})
	c.Put("A", 1)
	c.Put("B", 2)
	c.Put("C", 3)

	c.Resize(1)

	if c.Len() != 1 {
		t.Fatalf("Len() = %d after Resize(1), want 1", c.Len())
	}
	if _, ok := c.Get("C", nil); !ok {
		t.Errorf("most recently used entry C should survive Resize")
	}
	if len(evicted) != 2 {
		t.Fatalf("evicted = %v, want 2 entries trimmed", evicted)
	}
}

func TestCache_SizeInvariant(t *testing.T) {
	c := New[string, string](100, func(_ string, v string) int { return len(v) }, nil)

	c.Put("a", "xx")
	c.Put("b", "yyyy")
	c.Put("a", "z")

	if got, want := c.Size(), len("z")+len("yyyy"); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestCache_TrimToSize(t *testing.T) {
	c := New[int, int](100, nil, nil)
	for i := 0; i < 5; i++ {
		c.Put(i, i)
	}
	c.TrimToSize(2)
	if c.Len() != 2 {
		t.Fatalf("Len() = %d after TrimToSize(2), want 2", c.Len())
	}
	// 3 and 4 are most recently used.
	if _, ok := c.Get(3, nil); !ok {
		t.Errorf("expected key 3 to survive TrimToSize")
	}
	if _, ok := c.Get(4, nil); !ok {
		t.Errorf("expected key 4 to survive TrimToSize")
	}
}

func TestCache_NegativeSizeOfPanics(t *testing.T) {
	c := New[string, int](10, func(_ string, v int) int { return v }, nil)

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic from a negative sizeOf")
		_, ok := r.(*UsageError)
		assert.True(t, ok, "expected *UsageError, got %T", r)
	}()
	c.Put("a", -1)
}
