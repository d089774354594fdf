package fetch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// HostLimiter bounds concurrent requests per host when downloads run ahead
// on several workers. Hosts are few per run, so entries are never evicted.
type HostLimiter struct {
	sems  map[string]*semaphore.Weighted
	mu    sync.Mutex
	limit int64
	log   *logrus.Entry
}

// NewHostLimiter creates a limiter allowing maxPerHost in-flight requests per host
func NewHostLimiter(maxPerHost int, log *logrus.Entry) *HostLimiter {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 2
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", limit)
	}
	return &HostLimiter{
		sems:  make(map[string]*semaphore.Weighted),
		limit: limit,
		log:   log,
	}
}

// Acquire takes one permit for host, blocking until available or ctx is done
func (h *HostLimiter) Acquire(ctx context.Context, host string) error {
	h.mu.Lock()
	sem, ok := h.sems[host]
	if !ok {
		sem = semaphore.NewWeighted(h.limit)
		h.sems[host] = sem
		h.log.WithFields(logrus.Fields{"host": host, "limit": h.limit}).Debug("Created host semaphore")
	}
	h.mu.Unlock()
	return sem.Acquire(ctx, 1)
}

// Release returns a permit taken by Acquire
func (h *HostLimiter) Release(host string) {
	h.mu.Lock()
	sem, ok := h.sems[host]
	h.mu.Unlock()
	if !ok {
		h.log.Errorf("Release called for unknown host: %s", host)
		return
	}
	sem.Release(1)
}

// Hosts returns the number of hosts seen so far
func (h *HostLimiter) Hosts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sems)
}
