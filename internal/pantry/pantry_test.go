package pantry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-braga/kitchen-sync/internal/config"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

func TestLookupFood(t *testing.T) {
	tests := []struct {
		label    string
		name     string
		category Category
		food     bool
	}{
		{"apple", "Apple", CategoryProduce, true},
		{"Broccoli", "Broccoli", CategoryProduce, true},
		{"hot dog", "Hot Dog", CategoryMeat, true},
		{"donut", "Donut", CategoryBakery, true},
		{"wine glass", "Wine Glass", CategoryBeverages, true},
		{"bowl", "Bowl", CategoryOther, true},
		{"person", "person", CategoryOther, false},
		{"greek yogurt", "greek yogurt", CategoryOther, false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			info := LookupFood(tt.label)
			assert.Equal(t, tt.name, info.DisplayName)
			assert.Equal(t, tt.category, info.Category)
			assert.Equal(t, tt.food, IsFoodLabel(tt.label))
		})
	}
}

func TestDefaultExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	days := map[Category]int{
		CategoryProduce: 7,
		CategoryDairy:   14,
		CategoryMeat:    5,
		CategoryBakery:  5,
		CategoryFrozen:  90,
	}
	for _, c := range Categories {
		exp := DefaultExpiry(c, now)
		d, ok := days[c]
		if !ok {
			assert.Nil(t, exp, c)
			continue
		}
		require.NotNil(t, exp, c)
		assert.Equal(t, now.AddDate(0, 0, d), *exp, c)
	}
}

func TestStatusAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	assert.Equal(t, ExpiryNoDate, StatusAt(nil, now))
	assert.Equal(t, ExpiryExpired, StatusAt(at(-time.Hour), now))
	assert.Equal(t, ExpiryExpired, StatusAt(at(0), now))
	assert.Equal(t, ExpiryExpiringSoon, StatusAt(at(48*time.Hour), now))
	assert.Equal(t, ExpiryFresh, StatusAt(at(3*24*time.Hour), now))
	assert.Equal(t, ExpiryFresh, StatusAt(at(7*24*time.Hour), now))
}

func TestFromDetection(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := FromDetection(types.Detection{Label: "banana", Score: 0.87}, 0, now)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "Banana", r.Name)
	assert.Equal(t, CategoryProduce, r.Category)
	assert.Equal(t, 1, r.Quantity)
	assert.Equal(t, "count", r.Unit)
	assert.Equal(t, SourceDetection, r.Source)
	assert.Equal(t, 0.87, r.DetectionConfidence)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, now.AddDate(0, 0, 7), *r.ExpiresAt)
	assert.Equal(t, ExpiryFresh, r.Status(now))

	other := FromDetection(types.Detection{Label: "bottle", Score: 0.6}, 3, now)
	assert.Equal(t, 3, other.Quantity)
	assert.Nil(t, other.ExpiresAt)
	assert.NotEqual(t, r.ID, other.ID)
}

type failingSink struct{ err error }

func (f failingSink) Add(context.Context, []Record) error { return f.err }

func TestMultiSink(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	boom := errors.New("broker down")
	ms := MultiSink{a, failingSink{boom}, b}

	recs := []Record{{ID: "1", Name: "Apple"}, {ID: "2", Name: "Pizza"}}
	err := ms.Add(context.Background(), recs)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Records(), 2)
	assert.Len(t, b.Records(), 2)
}

func TestMemorySink_CancelledContext(t *testing.T) {
	s := NewMemorySink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Add(ctx, []Record{{ID: "1"}}), context.Canceled)
	assert.Empty(t, s.Records())
}

func TestMQTTSink_NotConnected(t *testing.T) {
	s := NewMQTTSink("kitchen-01", config.MQTTConfig{Broker: "127.0.0.1:1"})
	assert.Error(t, s.Add(context.Background(), []Record{{ID: "1"}}))
	assert.NoError(t, s.Add(context.Background(), nil))
	assert.Equal(t, uint64(1), s.Stats().Errors)
	assert.False(t, s.Stats().Connected)
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink("kitchen-01", config.KafkaConfig{})
	assert.Error(t, err)
}
