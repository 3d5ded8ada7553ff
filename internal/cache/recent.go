// Package cache holds the bounded recency buffer used by stream nodes and
// the bus runtime to answer "what happened lately" queries.
package cache

import (
	"sync"
	"time"
)

const (
	DefaultMaxLen = 1
	DefaultMaxAge = 5 * time.Minute
)

type entry struct {
	at    time.Time
	value any
}

// Recent keeps the newest values bounded by count and by age. Entries are
// kept in arrival order; expired entries are pruned on every access.
type Recent struct {
	mu      sync.Mutex
	maxLen  int
	maxAge  time.Duration
	entries []entry
	now     func() time.Time
}

func New(maxLen int, maxAge time.Duration) *Recent {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Recent{maxLen: maxLen, maxAge: maxAge, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (r *Recent) WithClock(now func() time.Time) *Recent {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

func (r *Recent) MaxLen() int           { return r.maxLen }
func (r *Recent) MaxAge() time.Duration { return r.maxAge }

func (r *Recent) Add(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	r.entries = append(r.entries, entry{at: now, value: v})
	if over := len(r.entries) - r.maxLen; over > 0 {
		clear(r.entries[:over])
		r.entries = r.entries[over:]
	}
}

// Last returns up to n most recent values, oldest first.
func (r *Recent) Last(n int) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]any, 0, n)
	for _, e := range r.entries[len(r.entries)-n:] {
		out = append(out, e.value)
	}
	return out
}

// Since returns values recorded strictly after now-d, oldest first.
func (r *Recent) Since(d time.Duration) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	begin := now.Add(-d)
	var out []any
	for _, e := range r.entries {
		if e.at.After(begin) {
			out = append(out, e.value)
		}
	}
	return out
}

func (r *Recent) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.entries)
}

func (r *Recent) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

func (r *Recent) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(r.entries) && now.Sub(r.entries[cut].at) > r.maxAge {
		cut++
	}
	if cut > 0 {
		clear(r.entries[:cut])
		r.entries = r.entries[cut:]
	}
}
