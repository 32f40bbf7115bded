package bond

import "time"

// PathStats describes one member path as seen by the reassembler.
type PathStats struct {
	PathID       uint32
	Received     uint64 // packets this path delivered, duplicates included
	FirstArrived uint64 // packets this path delivered before any other
	AvgRTT       time.Duration
}

// PathTracker keeps per-path delivery statistics so operators can see which
// link actually carries the stream.
type PathTracker struct {
	paths map[uint32]*PathStats
}

// NewPathTracker creates an empty tracker.
func NewPathTracker() PathTracker {
	return PathTracker{paths: make(map[uint32]*PathStats)}
}

// Record notes one packet from path; first marks a fresh (non-duplicate)
// sequence.
func (t *PathTracker) Record(path uint32, first bool, rtt time.Duration) {
	s, ok := t.paths[path]
	if !ok {
		s = &PathStats{PathID: path}
		t.paths[path] = s
	}

	s.Received++
	if first {
		s.FirstArrived++
	}
	if rtt > 0 {
		if s.AvgRTT == 0 {
			s.AvgRTT = rtt
		} else {
			s.AvgRTT = (s.AvgRTT*7 + rtt) / 8
		}
	}
}

// Stats returns the stats for one path.
func (t *PathTracker) Stats(path uint32) (PathStats, bool) {
	s, ok := t.paths[path]
	if !ok {
		return PathStats{}, false
	}
	return *s, true
}

// All returns every path's stats.
func (t *PathTracker) All() []PathStats {
	out := make([]PathStats, 0, len(t.paths))
	for _, s := range t.paths {
		out = append(out, *s)
	}
	return out
}

// FastestPath returns the path with the lowest average RTT.
func (t *PathTracker) FastestPath() (uint32, bool) {
	var best *PathStats
	for _, s := range t.paths {
		if s.AvgRTT == 0 {
			continue
		}
		if best == nil || s.AvgRTT < best.AvgRTT {
			best = s
		}
	}
	if best == nil {
		return 0, false
	}
	return best.PathID, true
}

// MostReliablePath returns the path that most often delivered first.
func (t *PathTracker) MostReliablePath() (uint32, bool) {
	var best *PathStats
	for _, s := range t.paths {
		if best == nil || s.FirstArrived > best.FirstArrived {
			best = s
		}
	}
	if best == nil {
		return 0, false
	}
	return best.PathID, true
}
