package registry_test

import (
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/lagoon-gateway/st-orchestrator/internal/registry"
	"github.com/lagoon-gateway/st-orchestrator/internal/sshtransport"
)

// These tests cover the registry's own bookkeeping in isolation; none of
// them registers a live sshtransport.Session, so Put/Get/Remove
// round-tripping against a connected session is not exercised here.

func TestRemoveAbsentIsNoop(t *testing.T) {
	r := registry.New()
	defer r.Close()
	assert.NoError(t, r.Remove("does-not-exist"))
}

func TestGetMissing(t *testing.T) {
	r := registry.New()
	defer r.Close()
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestTouchUnknownIsNoop(t *testing.T) {
	r := registry.New()
	defer r.Close()
	r.Touch("unknown") // must not panic
}

func TestLenAndForEachEmpty(t *testing.T) {
	r := registry.New(registry.WithSweepInterval(time.Hour))
	defer r.Close()
	assert.Equal(t, 0, r.Len())
	calls := 0
	r.ForEach(func(string, *sshtransport.Session) { calls++ })
	assert.Equal(t, 0, calls)
}

func TestPutRejectsDuplicateWithoutALiveSession(t *testing.T) {
	// A nil *sshtransport.Session is enough to exercise Put's duplicate
	// check: the second Put must fail before ever touching the stored
	// session, so it never needs to be live. Deliberately not deferring
	// r.Close() here: Close disconnects every remaining entry, and a nil
	// session has nothing safe to disconnect. The sweep interval default
	// is a minute, far longer than this test runs.
	r := registry.New(registry.WithSweepInterval(time.Hour))
	assert.NoError(t, r.Put("sess-1", nil))
	err := r.Put("sess-1", nil)
	assert.Error(t, err)
	assert.Equal(t, registry.ErrDuplicateSession, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	r := registry.New()
	r.Close()
	r.Close() // must not panic on double-close
}
