package pantry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Source tells how a record was created
type Source string

const (
	SourceDetection Source = "detection"
	SourceManual    Source = "manual"
)

// Record is one pantry item handed to the collaborator
type Record struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Category            Category   `json:"category"`
	Quantity            int        `json:"quantity"`
	Unit                string     `json:"unit"`
	AddedAt             time.Time  `json:"added_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	DetectionConfidence float64    `json:"detection_confidence,omitempty"`
	Source              Source     `json:"source"`
	Notes               string     `json:"notes"`
}

// Status classifies the record's expiry at now
func (r Record) Status(now time.Time) ExpiryStatus {
	return StatusAt(r.ExpiresAt, now)
}

// ToJSON serializes the record for publishing
func (r Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromDetection maps a detection to a record. Quantities below one are
// raised to one.
func FromDetection(d types.Detection, quantity int, now time.Time) Record {
	if quantity < 1 {
		quantity = 1
	}
	info := LookupFood(d.Label)
	return Record{
		ID:                  uuid.New().String(),
		Name:                info.DisplayName,
		Category:            info.Category,
		Quantity:            quantity,
		Unit:                "count",
		AddedAt:             now,
		ExpiresAt:           DefaultExpiry(info.Category, now),
		DetectionConfidence: d.Score,
		Source:              SourceDetection,
	}
}

// Sink accepts records on behalf of the pantry owner
type Sink interface {
	Add(ctx context.Context, records []Record) error
}
