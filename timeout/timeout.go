// Package timeout computes the absolute deadline at which a pending
// asynchronous wait is declared stale.
package timeout

import (
	"math"
	"time"
)

// Never is the deadline used for waits that never expire.
var Never = time.UnixMilli(math.MaxInt64)

// At returns the deadline for a wait started at now. The effective timeout is
// override if given, otherwise def.
//
// If the deadline, taken as Unix milliseconds, overflows to a non-positive
// value, the wait is treated as never expiring instead of already expired.
func At(now time.Time, override *time.Duration, def time.Duration) time.Time {
	effective := def
	if override != nil {
		effective = *override
	}

	ts := now.UnixMilli() + effective.Milliseconds()
	if ts <= 0 {
		return Never
	}

	return time.UnixMilli(ts)
}
