// Package seedring tracks the seeders known for one transfer and hands them
// out in round-robin order. Rotation spreads piece requests across the swarm
// instead of hammering the fastest peer; a seeder that keeps failing is
// evicted from the rotation.
package seedring

import "sync"

// DefaultFailureLimit is the number of consecutive failures after which a
// seeder leaves the rotation.
const DefaultFailureLimit = 3

// Ring is a round-robin rotation of seeder identities with failure tracking
type Ring struct {
	mu       sync.Mutex
	order    []string
	active   map[string]bool
	failures map[string]int
	next     int
	limit    int
}

// New creates a Ring evicting seeders after failureLimit consecutive failures
func New(failureLimit int) *Ring {
	if failureLimit <= 0 {
		failureLimit = DefaultFailureLimit
	}
	return &Ring{
		active:   make(map[string]bool),
		failures: make(map[string]int),
		limit:    failureLimit,
	}
}

// Add inserts a seeder and reports whether it was previously unknown.
// Re-announcing an evicted seeder readmits it with a clean slate, so a peer
// that rejoins after transient trouble gets another chance.
func (r *Ring) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.failures[id]; known {
		if !r.active[id] {
			r.active[id] = true
			r.failures[id] = 0
			return false
		}
		return false
	}

	r.order = append(r.order, id)
	r.active[id] = true
	r.failures[id] = 0
	return true
}

// Next returns the next active seeder in rotation
func (r *Ring) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(r.order); i++ {
		id := r.order[r.next%len(r.order)]
		r.next++
		if r.active[id] {
			return id, true
		}
	}
	return "", false
}

// RecordFailure counts one failure against a seeder and reports whether the
// seeder has now been evicted from the rotation.
func (r *Ring) RecordFailure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active[id] {
		return false
	}
	r.failures[id]++
	if r.failures[id] >= r.limit {
		r.active[id] = false
		return true
	}
	return false
}

// RecordSuccess resets a seeder's failure count
func (r *Ring) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[id] {
		r.failures[id] = 0
	}
}

// Len returns the number of active seeders
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ok := range r.active {
		if ok {
			n++
		}
	}
	return n
}

// Seeders returns the active seeders in insertion order
func (r *Ring) Seeders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.active[id] {
			out = append(out, id)
		}
	}
	return out
}
