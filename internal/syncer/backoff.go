package syncer

import (
	"hash/fnv"
	"strconv"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based) of the
// given entry. The delay doubles from base up to maxDelay; a jitter of up to
// half the delay is derived from the entry id so that retries of different
// entries spread out while a given retry stays reproducible.
func Backoff(entryID string, attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	jitterMax := delay / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(entryID + ":" + strconv.Itoa(attempt)))
	delay += time.Duration(h.Sum64() % uint64(jitterMax))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
