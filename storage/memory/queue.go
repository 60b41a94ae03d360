package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

type scheduledJob struct {
	job *gosubs.ReceiptJob
	at  time.Time
}

// RetryQueue implements gosubs.RetryQueue in memory.
type RetryQueue struct {
	mu   sync.Mutex
	jobs map[string]scheduledJob
}

var _ gosubs.RetryQueue = (*RetryQueue)(nil)

// NewRetryQueue creates an empty queue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{jobs: make(map[string]scheduledJob)}
}

// Schedule implements gosubs.RetryQueue
func (q *RetryQueue) Schedule(_ context.Context, job *gosubs.ReceiptJob, at time.Time) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("invalid receipt job")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	jobCopy := *job
	q.jobs[job.ID] = scheduledJob{job: &jobCopy, at: at}
	return nil
}

// PopDue implements gosubs.RetryQueue
func (q *RetryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]*gosubs.ReceiptJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]scheduledJob, 0)
	for _, sj := range q.jobs {
		if !sj.at.After(now) {
			due = append(due, sj)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].job.ID < due[j].job.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*gosubs.ReceiptJob, 0, len(due))
	for _, sj := range due {
		delete(q.jobs, sj.job.ID)
		out = append(out, sj.job)
	}
	return out, nil
}

// Len returns the number of scheduled jobs.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// StatusCache implements gosubs.StatusCache in memory.
type StatusCache struct {
	mu    sync.RWMutex
	views map[string]cachedView
	ttl   time.Duration
}

type cachedView struct {
	view      gosubs.StatusView
	expiresAt time.Time
}

var _ gosubs.StatusCache = (*StatusCache)(nil)

// NewStatusCache creates an empty cache whose entries live until invalidated.
func NewStatusCache() *StatusCache {
	return NewStatusCacheWithTTL(0)
}

// NewStatusCacheWithTTL creates an empty cache whose entries expire after ttl.
// A non-positive ttl disables expiry.
func NewStatusCacheWithTTL(ttl time.Duration) *StatusCache {
	return &StatusCache{views: make(map[string]cachedView), ttl: ttl}
}

// Get implements gosubs.StatusCache
func (c *StatusCache) Get(_ context.Context, userID string) (*gosubs.StatusView, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.views[userID]
	if !ok || (!entry.expiresAt.IsZero() && !time.Now().Before(entry.expiresAt)) {
		return nil, false, nil
	}
	viewCopy := entry.view
	return &viewCopy, true, nil
}

// Set implements gosubs.StatusCache
func (c *StatusCache) Set(_ context.Context, view *gosubs.StatusView) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cachedView{view: *view}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.views[view.UserID] = entry
	return nil
}

// Invalidate implements gosubs.StatusCache
func (c *StatusCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.views, userID)
	return nil
}
