package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// uniqueID keeps each test on its own function id since Global() is a
// package-level singleton shared across the test binary.
func uniqueID(t *testing.T) string {
	return "fn-" + t.Name()
}

func TestRecordInvocationUpdatesGlobalsAndPerFunction(t *testing.T) {
	m := Global()
	id := uniqueID(t)

	before := m.TotalInvocations.Load()
	m.RecordInvocation(id, "code", 42, true, true)
	m.RecordInvocation(id, "code", 58, false, false)

	assert.Equal(t, before+2, m.TotalInvocations.Load())

	fm := m.GetFunctionMetrics(id)
	if assert.NotNil(t, fm) {
		assert.EqualValues(t, 2, fm.Invocations.Load())
		assert.EqualValues(t, 1, fm.Successes.Load())
		assert.EqualValues(t, 1, fm.Failures.Load())
		assert.EqualValues(t, 1, fm.CacheHits.Load())
		assert.EqualValues(t, 1, fm.CacheMisses.Load())
		assert.EqualValues(t, 100, fm.TotalMs.Load())
	}
}

func TestGetFunctionMetricsUnknownFunctionIsNil(t *testing.T) {
	m := Global()
	assert.Nil(t, m.GetFunctionMetrics("fn-never-recorded-"+t.Name()))
}

func TestRecordDedupCoalescedAndRateLimitDenied(t *testing.T) {
	m := Global()
	id := uniqueID(t)

	beforeDedup := m.DedupCoalesced.Load()
	beforeDenied := m.RateLimitDenied.Load()

	m.RecordDedupCoalesced(id)
	m.RecordRateLimitDenied("ip")

	assert.Equal(t, beforeDedup+1, m.DedupCoalesced.Load())
	assert.Equal(t, beforeDenied+1, m.RateLimitDenied.Load())
}

func TestRecordBreakerTrip(t *testing.T) {
	m := Global()
	id := uniqueID(t)

	before := m.BreakerTrips.Load()
	m.RecordBreakerTrip(id, "open")
	assert.Equal(t, before+1, m.BreakerTrips.Load())
}

func TestSnapshotReflectsInvariants(t *testing.T) {
	m := Global()
	id := uniqueID(t)

	m.RecordInvocation(id, "generative", 10, true, true)
	m.RecordInvocation(id, "generative", 20, false, true)

	snap := m.Snapshot()
	invocations := snap["invocations"].(map[string]interface{})
	total := invocations["total"].(int64)
	success := invocations["success"].(int64)
	failed := invocations["failed"].(int64)
	assert.Equal(t, total, success+failed)
}

func TestFunctionStatsIncludesRecordedFunction(t *testing.T) {
	m := Global()
	id := uniqueID(t)

	m.RecordInvocation(id, "code", 5, true, true)

	stats := m.FunctionStats()
	entry, ok := stats[id]
	assert.True(t, ok)
	fields := entry.(map[string]interface{})
	assert.EqualValues(t, 1, fields["invocations"])
}
