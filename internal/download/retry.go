package download

import (
	"errors"
	"math/rand"
	"strings"
	"time"
)

const maxRetries = 5

// retryable reports whether a failed attempt is worth repeating. Permanent
// HTTP failures, disk problems, and explicit cancellation are not.
func retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, ErrIO) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, permanent := range []string{"404", "not found", "403", "forbidden", "401", "unauthorized"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}

// retryBackoff computes the wait before the given attempt: exponential from
// one second, capped at a minute, with 25% jitter so concurrent tasks do not
// retry in lockstep.
func retryBackoff(attempt int) time.Duration {
	secs := uint64(1) << uint(attempt)
	if secs > 60 {
		secs = 60
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(secs) * jitter * float64(time.Second))
}
