package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/checkfarm/internal/protocol"
)

func register(t *testing.T, r *Registry, connID, name string, maxJobs int, plugins ...string) *Worker {
	t.Helper()
	w, err := r.Register(connID, &protocol.Registration{
		Name:    name,
		PID:     1000,
		MaxJobs: maxJobs,
		Plugins: plugins,
	})
	require.NoError(t, err)
	return w
}

func TestRegisterRejectsZeroCapacity(t *testing.T) {
	r := New()
	_, err := r.Register("c1", &protocol.Registration{Name: "w", MaxJobs: 0})

	var re *protocol.RegistrationError
	require.True(t, errors.As(err, &re), "expected RegistrationError, got %v", err)
}

func TestReRegistrationReplacesAdvertisement(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 2, "check_ping")

	// Occupy a slot, then re-register with a new plugin set.
	_, _, err := r.Select("check_ping")
	require.NoError(t, err)

	w, err := r.Register("c1", &protocol.Registration{Name: "w1", MaxJobs: 5, Plugins: []string{"check_http"}})
	require.NoError(t, err)
	assert.Equal(t, 5, w.MaxJobs)
	assert.Equal(t, 1, w.InFlight, "in-flight count survives re-registration")

	_, ok := w.Plugins["check_ping"]
	assert.False(t, ok, "old plugin set must be replaced, not merged")
}

func TestSelectRoundRobinFairness(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 1)
	register(t, r, "c2", "w2", 1)
	register(t, r, "c3", "w3", 1)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, _, err := r.Select("check_ping")
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Len(t, seen, 3, "three submissions must land on three distinct workers")
}

func TestSelectPerPluginCursors(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 100)
	register(t, r, "c2", "w2", 100)

	// Rotation for one plugin must not perturb another's cursor.
	idA1, _, _ := r.Select("check_a")
	idB1, _, _ := r.Select("check_b")
	idA2, _, _ := r.Select("check_a")
	idB2, _, _ := r.Select("check_b")

	assert.NotEqual(t, idA1, idA2)
	assert.NotEqual(t, idB1, idB2)
	assert.Equal(t, idA1, idB1, "independent cursors both start at the first worker")
}

func TestSelectHonorsPluginAffinity(t *testing.T) {
	r := New()
	register(t, r, "c1", "pinger", 10, "check_ping")
	register(t, r, "c2", "webber", 10, "check_http")

	for i := 0; i < 4; i++ {
		id, _, err := r.Select("check_http")
		require.NoError(t, err)
		assert.Equal(t, "c2", id)
	}
}

func TestSelectCapacityExhaustion(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 1)

	id, _, err := r.Select("check_ping")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	// One in-flight job at max_jobs=1: never selected again until released.
	_, _, err = r.Select("check_ping")
	assert.ErrorIs(t, err, ErrNoCapacity)

	require.NoError(t, r.BindJob("c1", 0))
	r.UnbindJob("c1", 0)

	_, _, err = r.Select("check_ping")
	assert.NoError(t, err)
}

func TestReleaseSlot(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 1)

	_, _, err := r.Select("x")
	require.NoError(t, err)
	_, _, err = r.Select("x")
	require.ErrorIs(t, err, ErrNoCapacity)

	r.ReleaseSlot("c1")
	_, _, err = r.Select("x")
	assert.NoError(t, err)
}

func TestRemoveReturnsOwnedJobs(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 5)

	for _, jobID := range []int{3, 1, 2} {
		_, _, err := r.Select("x")
		require.NoError(t, err)
		require.NoError(t, r.BindJob("c1", jobID))
	}

	owned, ok := r.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, owned)

	// Removed workers are unselectable and unknown.
	_, _, err := r.Select("x")
	assert.ErrorIs(t, err, ErrNoCapacity)
	_, found := r.Get("c1")
	assert.False(t, found)

	_, ok = r.Remove("c1")
	assert.False(t, ok, "second remove is a no-op")
}

func TestCursorEviction(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 10, "check_ping")

	_, _, err := r.Select("check_ping")
	require.NoError(t, err)
	require.Contains(t, r.cursors, "check_ping")

	r.Remove("c1")
	assert.NotContains(t, r.cursors, "check_ping", "cursor for an unserved plugin must be evicted")
}

func TestListSnapshots(t *testing.T) {
	r := New()
	register(t, r, "c1", "w1", 2, "check_b", "check_a")
	register(t, r, "c2", "w2", 3)

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "w1", infos[0].Name)
	assert.Equal(t, []string{"check_a", "check_b"}, infos[0].Plugins)
	assert.Empty(t, infos[1].Plugins)
}
