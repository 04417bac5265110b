package scenectx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	c := New()

	rev := c.Put("builder", map[string]any{"objects": []string{"cube", "lamp"}})
	assert.Equal(t, uint64(1), rev)

	v, ok := c.Get("builder")
	require.True(t, ok)
	assert.Equal(t, []string{"cube", "lamp"}, v["objects"])

	_, ok = c.Get("texture")
	assert.False(t, ok)
}

func TestRevisionsAreMonotonic(t *testing.T) {
	c := New()

	r1 := c.Put("a", map[string]any{"v": 1})
	r2 := c.Put("b", map[string]any{"v": 2})
	r3 := c.Put("a", map[string]any{"v": 3})

	assert.Less(t, r1, r2)
	assert.Less(t, r2, r3)
	assert.Equal(t, r3, c.Revision())

	// The later write wins.
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, v["v"])
}

func TestSnapshotPrefix(t *testing.T) {
	c := New()
	c.Put("concept", map[string]any{"mood": "calm"})
	c.Put("builder", map[string]any{"objects": 3})
	c.Put("builder.extra", map[string]any{"x": 1})

	snap := c.SnapshotPrefix("builder")
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "builder")
	assert.Contains(t, snap, "builder.extra")
}

func TestSubscribeReceivesMatchingWrites(t *testing.T) {
	c := New()
	ch, cancel := c.Subscribe("builder")
	defer cancel()

	c.Put("concept", map[string]any{"mood": "calm"})
	c.Put("builder", map[string]any{"objects": 3})

	select {
	case e := <-ch:
		assert.Equal(t, "builder", e.Key)
		assert.Equal(t, 3, e.Value["objects"])
	case <-time.After(time.Second):
		t.Fatal("no notification for matching write")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected notification for %q", e.Key)
	default:
	}
}

func TestClearClosesSubscribers(t *testing.T) {
	c := New()
	ch, cancel := c.Subscribe("")
	defer cancel()

	c.Put("a", map[string]any{"v": 1})
	c.Clear()

	// Drain the buffered event, then observe the close.
	for {
		_, ok := <-ch
		if !ok {
			break
		}
	}

	_, ok := c.Get("a")
	assert.False(t, ok)
}
