package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_LateSubscriberGetsLatest(t *testing.T) {
	b := NewBus()
	assert.Nil(t, b.Latest())

	var early []map[string]any
	b.OnFeatureFlags(func(f map[string]any) { early = append(early, f) })
	assert.Empty(t, early, "nothing published yet")

	b.Publish(map[string]any{"beta": true})
	assert.Len(t, early, 1)

	var late map[string]any
	b.OnFeatureFlags(func(f map[string]any) { late = f })
	assert.Equal(t, map[string]any{"beta": true}, late)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	unsubscribe := b.OnFeatureFlags(func(map[string]any) { calls++ })

	b.Publish(map[string]any{"a": true})
	unsubscribe()
	unsubscribe()
	b.Publish(map[string]any{"a": false})

	assert.Equal(t, 1, calls)
}

func TestBus_ListenersGetCopies(t *testing.T) {
	b := NewBus()
	b.OnFeatureFlags(func(f map[string]any) { f["mutated"] = true })

	b.Publish(map[string]any{"a": true})
	assert.NotContains(t, b.Latest(), "mutated")
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{true, "control", 1.0, 2, []any{}} {
		assert.True(t, Truthy(v), "%v", v)
	}
	for _, v := range []any{nil, false, "", 0.0, 0} {
		assert.False(t, Truthy(v), "%v", v)
	}
}
