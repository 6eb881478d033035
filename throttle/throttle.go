// Package throttle wraps golang.org/x/time/rate into the token-bucket
// primitive the connection wrapper uses to model the IoT-Core-imposed
// publish rate (spec §4.2): "throttlingWaitMicros returns the
// token-bucket wait that would make an acquire non-blocking."
package throttle

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket publishes are throttled against. It never
// blocks by itself; callers read WaitMicros, sleep that long
// themselves, then call Acquire to actually take the token — mirroring
// the publisher loop's "sleep(conn.throttlingWaitMicros); then
// proceed (no double-waiting)" contract.
type Bucket struct {
	limiter *rate.Limiter
}

// New creates a token bucket that allows ratePerSecond tokens per
// second on average, with burst as the maximum instantaneous burst.
func New(ratePerSecond float64, burst int) *Bucket {
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// WaitMicros reports, without consuming a token, how long a caller
// would have to wait for the next acquire to be immediate.
func (b *Bucket) WaitMicros() int64 {
	r := b.limiter.Reserve()
	defer r.Cancel()

	if !r.OK() {
		return 0
	}

	return r.Delay().Microseconds()
}

// Acquire consumes one token, returning the duration the caller must
// sleep before the publish it is about to issue is on-schedule. Call
// this once, right before issuing the publish, after having already
// slept WaitMicros from a prior poll.
func (b *Bucket) Acquire() time.Duration {
	return b.limiter.Reserve().Delay()
}

// SetLimit adjusts the sustained rate. Nothing in this module calls it;
// reconfiguration does not change the throttle parameters.
func (b *Bucket) SetLimit(ratePerSecond float64) {
	b.limiter.SetLimit(rate.Limit(ratePerSecond))
}
