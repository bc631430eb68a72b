package cache

import (
	"sync/atomic"
)

// Statistics counts cache operations. All methods are safe for concurrent use.
type Statistics struct {
	hits, misses, sets, deletes, evictions atomic.Int64

	size, peak atomic.Int64
}

// NewStatistics creates an empty tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) Hit()      { s.hits.Add(1) }
func (s *Statistics) Miss()     { s.misses.Add(1) }
func (s *Statistics) Set()      { s.sets.Add(1) }
func (s *Statistics) Delete()   { s.deletes.Add(1) }
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// UpdateSize records the current entry count and raises the peak if needed.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		peak := s.peak.Load()
		if size <= peak || s.peak.CompareAndSwap(peak, size) {
			return
		}
	}
}

// Evictions returns how many entries were displaced by capacity.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// HitRatio returns hits over lookups, or 0 before the first lookup.
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.hits.Load(), s.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Evictions int64   `json:"evictions"`
	Size      int64   `json:"size"`
	Peak      int64   `json:"peak"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Summary returns a snapshot of all counters.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
		Size:      s.size.Load(),
		Peak:      s.peak.Load(),
		HitRatio:  s.HitRatio(),
	}
}
