package core

import "runtime"

// DefaultPollLimit bounds every status-flag wait in the protocol engines.
const DefaultPollLimit = 100000

// poll re-evaluates cond, yielding the processor between attempts, until
// it reports true or limit attempts have been made.
func poll(limit int, cond func() bool) bool {
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	for i := 0; i < limit; i++ {
		if cond() {
			return true
		}
		runtime.Gosched()
	}
	return false
}
