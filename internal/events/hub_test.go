package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeWorkerRegistered, map[string]any{"name": "w1"})

	ev := <-ch
	assert.Equal(t, TypeWorkerRegistered, ev.Type)
	assert.Equal(t, int64(1), ev.ID)
	assert.Contains(t, string(ev.Data), "w1")
}

func TestSnapshotSince(t *testing.T) {
	h := NewHub(4)
	for i := 0; i < 6; i++ {
		h.Publish(TypeJobSubmitted, nil)
	}

	// Ring holds the last 4 events (ids 3..6).
	all := h.SnapshotSince(0)
	require.Len(t, all, 4)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(6), all[3].ID)

	tail := h.SnapshotSince(5)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(6), tail[0].ID)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	// More events than the subscriber buffer holds; Publish must not block.
	for i := 0; i < 200; i++ {
		h.Publish(TypeJobCompleted, nil)
	}
}
