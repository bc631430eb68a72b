package buffer

import "sync/atomic"

// Statistics tracks queue activity.
type Statistics struct {
	writes, reads, drops atomic.Int64
	depth, highWater     atomic.Int64
}

// NewStatistics creates an empty tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a push.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a pop.
func (s *Statistics) Read() { s.reads.Add(1) }

// Drop records an item discarded on close.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize stores the current depth and raises the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.depth.Store(size)
	for hw := s.highWater.Load(); size > hw; hw = s.highWater.Load() {
		if s.highWater.CompareAndSwap(hw, size) {
			return
		}
	}
}

// Drops returns the number of items discarded on close.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Writes      int64 `json:"writes"`
	Reads       int64 `json:"reads"`
	Drops       int64 `json:"drops"`
	CurrentSize int64 `json:"current_size"`
	MaxSize     int64 `json:"max_size"`
}

// Summary returns a snapshot of all counters.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.writes.Load(),
		Reads:       s.reads.Load(),
		Drops:       s.drops.Load(),
		CurrentSize: s.depth.Load(),
		MaxSize:     s.highWater.Load(),
	}
}
