package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryCounter is a process-local Counter. Counts are not shared across
// replicas and are lost on restart.
type MemoryCounter struct {
	mu   sync.Mutex
	hits map[string][]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{hits: make(map[string][]int64)}
}

func (m *MemoryCounter) Acquire(_ context.Context, key string, windows []time.Duration, limits []int64, now time.Time) ([]int64, bool, error) {
	if len(windows) != len(limits) {
		return nil, false, fmt.Errorf("acquire %s: %d windows but %d limits", key, len(windows), len(limits))
	}
	nowMs := now.UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.hits[key]
	counts := make([]int64, len(windows))
	allowed := true
	var longest time.Duration
	for i, w := range windows {
		if w > longest {
			longest = w
		}
		from := nowMs - w.Milliseconds()
		for _, h := range hits {
			if h >= from {
				counts[i]++
			}
		}
		if counts[i] >= limits[i] {
			allowed = false
		}
	}
	if !allowed {
		return counts, false, nil
	}

	cutoff := nowMs - longest.Milliseconds()
	kept := hits[:0]
	for _, h := range hits {
		if h >= cutoff {
			kept = append(kept, h)
		}
	}
	m.hits[key] = append(kept, nowMs)
	return counts, true, nil
}

func (m *MemoryCounter) Release(_ context.Context, key string, at time.Time) error {
	ms := at.UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.hits[key]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i] == ms {
			m.hits[key] = append(hits[:i], hits[i+1:]...)
			return nil
		}
	}
	return nil
}
