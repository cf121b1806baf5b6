package loader

import (
	"fmt"
	"strings"

	"github.com/loadstub/gateway/internal/circuitbreaker"
)

// FunctionLoadError carries everything the spec requires every waiter on a
// failed load to receive: the original cause, the function id, how many
// retries were attempted, the breaker state at the moment of failure, and
// whether the failed attempt was shared by more than one concurrent caller
// (§4.5 "Coalesced-error propagation"). IsCoalescedRequest is singleflight's
// shared flag, so it is true for the caller that ran the attempt as well as
// for the ones that joined it.
type FunctionLoadError struct {
	FunctionID         string
	Cause              error
	RetryCount         int
	BreakerState       circuitbreaker.State
	IsCoalescedRequest bool
}

func (e *FunctionLoadError) Error() string {
	return fmt.Sprintf("load %s failed after %d retries (breaker=%s): %v",
		e.FunctionID, e.RetryCount, e.BreakerState, e.Cause)
}

func (e *FunctionLoadError) Unwrap() error { return e.Cause }

// BreakerOpenError is returned when the circuit breaker fails a load fast,
// without attempting the registry/code store at all.
type BreakerOpenError struct {
	FunctionID string
	State      circuitbreaker.State
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s for function %s: load rejected", e.State, e.FunctionID)
}

// isNonTransient classifies a load failure per spec §4.5 step 6: messages
// containing these substrings never benefit from a retry.
func isNonTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"not found", "invalid", "unauthorized"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
