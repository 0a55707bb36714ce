package agentserver

import "golang.org/x/sync/semaphore"

// connLimiter caps concurrent agent sockets. A nil limiter admits everyone.
type connLimiter struct {
	slots *semaphore.Weighted
}

func newConnLimiter(max int) *connLimiter {
	if max <= 0 {
		return nil
	}
	return &connLimiter{slots: semaphore.NewWeighted(int64(max))}
}

// Acquire claims a slot without waiting. Every successful Acquire must be
// paired with one Release.
func (l *connLimiter) Acquire() bool {
	return l == nil || l.slots.TryAcquire(1)
}

func (l *connLimiter) Release() {
	if l != nil {
		l.slots.Release(1)
	}
}
