package session

import (
	"slices"
	"sync"
	"time"
)

// PendingRequest tracks one id awaiting acknowledgement.
type PendingRequest struct {
	ID            uint64
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	DeadlineAt    time.Time
}

// RequestOutbox holds ids that were sent and are waiting to be acknowledged.
// An id whose deadline passes is handed out again exactly once per timeout.
type RequestOutbox struct {
	mu      sync.Mutex
	timeout time.Duration
	items   map[uint64]PendingRequest
}

func NewRequestOutbox(timeout time.Duration) *RequestOutbox {
	if timeout <= 0 {
		timeout = DefaultConfig().RequestTimeout
	}
	return &RequestOutbox{
		timeout: timeout,
		items:   make(map[uint64]PendingRequest),
	}
}

// Add records ids sent at now and returns the ones that were not already
// pending, in input order.
func (o *RequestOutbox) Add(ids []uint64, now time.Time) []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var fresh []uint64
	for _, id := range ids {
		if _, ok := o.items[id]; ok {
			continue
		}
		o.items[id] = PendingRequest{
			ID:            id,
			Attempts:      1,
			QueuedAt:      now,
			LastAttemptAt: now,
			DeadlineAt:    now.Add(o.timeout),
		}
		fresh = append(fresh, id)
	}
	return fresh
}

// Due returns ids whose deadline is at or before now and rearms them.
func (o *RequestOutbox) Due(now time.Time) []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var due []uint64
	for id, item := range o.items {
		if now.Before(item.DeadlineAt) {
			continue
		}
		item.Attempts++
		item.LastAttemptAt = now
		item.DeadlineAt = now.Add(o.timeout)
		o.items[id] = item
		due = append(due, id)
	}
	slices.Sort(due)
	return due
}

// Acknowledge removes ids; unknown ids are ignored.
func (o *RequestOutbox) Acknowledge(ids []uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		delete(o.items, id)
	}
}

func (o *RequestOutbox) Pending(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.items[id]
	return ok
}

func (o *RequestOutbox) Get(id uint64) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	return item, ok
}

func (o *RequestOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// List returns pending requests ordered by id.
func (o *RequestOutbox) List() []PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b PendingRequest) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Reset drops every pending request.
func (o *RequestOutbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	clear(o.items)
}
