package inference

import (
	"math"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// ProgressTracker aggregates per-file load progress. Entries are keyed by
// file and kept in first-seen order. Not safe for concurrent use; the client
// guards it with its own lock.
type ProgressTracker struct {
	entries []types.ModelLoadProgress
	index   map[string]int
}

// NewProgressTracker creates an empty tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{index: make(map[string]int)}
}

// Upsert records p, replacing the entry for the same file. An update whose
// status ranks below the stored one is dropped and Upsert returns false.
func (t *ProgressTracker) Upsert(p types.ModelLoadProgress) bool {
	i, ok := t.index[p.File]
	if !ok {
		t.index[p.File] = len(t.entries)
		t.entries = append(t.entries, p)
		return true
	}
	if p.Status.Rank() < t.entries[i].Status.Rank() {
		return false
	}
	t.entries[i] = p
	return true
}

// Entries returns a copy of the current entries
func (t *ProgressTracker) Entries() []types.ModelLoadProgress {
	out := make([]types.ModelLoadProgress, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of distinct files
func (t *ProgressTracker) Len() int {
	return len(t.entries)
}

// Percent is round(Σloaded / Σtotal × 100), or 0 while no totals are known
func (t *ProgressTracker) Percent() int {
	var loaded, total int64
	for _, e := range t.entries {
		loaded += e.Loaded
		total += e.Total
	}
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(loaded) / float64(total) * 100))
}

// Reset clears all entries
func (t *ProgressTracker) Reset() {
	t.entries = nil
	t.index = make(map[string]int)
}
