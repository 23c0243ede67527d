// Package settings holds the user-adjustable scan settings. Values live in
// memory for the lifetime of the service.
package settings

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ScanMode selects the model used for scanning
type ScanMode string

const (
	ModeQuick ScanMode = "quick"
	ModeDeep  ScanMode = "deep"
)

// Valid reports whether m is a known mode
func (m ScanMode) Valid() bool {
	return m == ModeQuick || m == ModeDeep
}

// Threshold bounds
const (
	MinThreshold = 0.1
	MaxThreshold = 0.9
)

// DefaultFoodLabels are the candidate labels for open-vocabulary scans
var DefaultFoodLabels = []string{
	"apple", "banana", "orange", "tomato", "onion", "potato",
	"chicken breast", "ground beef", "salmon fillet",
	"milk carton", "egg carton", "cheese block", "yogurt",
	"bread loaf", "rice bag", "pasta box",
	"butter", "olive oil bottle", "soda can", "water bottle",
}

// Snapshot is a copy of the current settings
type Snapshot struct {
	ScanMode             ScanMode `json:"scan_mode"`
	DetectionThreshold   float64  `json:"detection_threshold"`
	CustomFoodLabels     []string `json:"custom_food_labels"`
	AutoAddToPantry      bool     `json:"auto_add_to_pantry"`
	ShowConfidenceScores bool     `json:"show_confidence_scores"`
}

// Defaults seeds a Store
type Defaults struct {
	ScanMode             ScanMode
	AutoAddToPantry      bool
	ShowConfidenceScores bool
	// ModeThresholds is the threshold applied when switching to a mode
	ModeThresholds map[ScanMode]float64
	// Labels replaces DefaultFoodLabels when non-empty
	Labels []string
}

// Store is the settings store. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	cur        Snapshot
	thresholds map[ScanMode]float64
	labels     []string
}

// New creates a store from defaults
func New(d Defaults) (*Store, error) {
	if d.ScanMode == "" {
		d.ScanMode = ModeQuick
	}
	if !d.ScanMode.Valid() {
		return nil, fmt.Errorf("settings: invalid scan mode %q", d.ScanMode)
	}
	thresholds := map[ScanMode]float64{ModeQuick: 0.5, ModeDeep: 0.3}
	for m, t := range d.ModeThresholds {
		if err := checkThreshold(t); err != nil {
			return nil, err
		}
		thresholds[m] = t
	}
	labels := DefaultFoodLabels
	if len(d.Labels) > 0 {
		labels = normalizeAll(d.Labels)
	}

	s := &Store{thresholds: thresholds, labels: labels}
	s.cur = Snapshot{
		ScanMode:             d.ScanMode,
		DetectionThreshold:   thresholds[d.ScanMode],
		CustomFoodLabels:     slices.Clone(labels),
		AutoAddToPantry:      d.AutoAddToPantry,
		ShowConfidenceScores: d.ShowConfidenceScores,
	}
	return s, nil
}

// Get returns a copy of the current settings
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.cur
	snap.CustomFoodLabels = slices.Clone(s.cur.CustomFoodLabels)
	return snap
}

// SetScanMode switches mode and resets the threshold to the mode default
func (s *Store) SetScanMode(m ScanMode) error {
	if !m.Valid() {
		return fmt.Errorf("settings: invalid scan mode %q", m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.ScanMode = m
	s.cur.DetectionThreshold = s.thresholds[m]
	return nil
}

// SetThreshold sets the detection threshold
func (s *Store) SetThreshold(t float64) error {
	if err := checkThreshold(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.DetectionThreshold = t
	return nil
}

// AddLabel adds a custom label. The label is trimmed and lowercased; empty
// and duplicate labels are ignored and AddLabel returns false.
func (s *Store) AddLabel(label string) bool {
	l := normalize(label)
	if l == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.cur.CustomFoodLabels, l) {
		return false
	}
	s.cur.CustomFoodLabels = append(s.cur.CustomFoodLabels, l)
	return true
}

// RemoveLabel removes a custom label and reports whether it was present
func (s *Store) RemoveLabel(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.cur.CustomFoodLabels, label)
	if i < 0 {
		return false
	}
	s.cur.CustomFoodLabels = slices.Delete(s.cur.CustomFoodLabels, i, i+1)
	return true
}

// ResetLabels restores the default labels
func (s *Store) ResetLabels() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.CustomFoodLabels = slices.Clone(s.labels)
}

// SetAutoAdd toggles adding detections to the pantry without confirmation
func (s *Store) SetAutoAdd(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.AutoAddToPantry = v
}

// SetShowConfidence toggles confidence display in the feed
func (s *Store) SetShowConfidence(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.ShowConfidenceScores = v
}

func checkThreshold(t float64) error {
	if t < MinThreshold || t > MaxThreshold {
		return fmt.Errorf("settings: threshold %.2f out of range [%.1f, %.1f]", t, MinThreshold, MaxThreshold)
	}
	return nil
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func normalizeAll(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if n := normalize(l); n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
