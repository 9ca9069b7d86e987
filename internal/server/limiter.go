package server

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sigreer/diskd/internal/policy"
)

// callerLimiter applies a token bucket per uid and evicts idle entries
type callerLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*limiterEntry
	hits    uint64
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newCallerLimiter returns nil, which allows everything, if rps or burst is
// not positive.
func newCallerLimiter(rps float64, burst int, idleTTL time.Duration) *callerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &callerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*limiterEntry),
		idleTTL: idleTTL,
	}
}

// allow reports whether caller may make one more mutating call at now.
// Root is never limited.
func (l *callerLimiter) allow(caller policy.Caller, now time.Time) bool {
	if l == nil || caller.UID == 0 {
		return true
	}
	key := strconv.FormatUint(uint64(caller.UID), 10)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	return allowed
}
