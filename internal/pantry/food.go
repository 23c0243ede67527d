// Package pantry describes pantry records and the collaborators that accept
// them. The service never stores the inventory itself: accepted records are
// handed to a Sink.
package pantry

import (
	"strings"
	"time"
)

// Category is a pantry category
type Category string

const (
	CategoryProduce    Category = "produce"
	CategoryDairy      Category = "dairy"
	CategoryMeat       Category = "meat"
	CategoryBakery     Category = "bakery"
	CategoryBeverages  Category = "beverages"
	CategoryCanned     Category = "canned"
	CategoryFrozen     Category = "frozen"
	CategorySnacks     Category = "snacks"
	CategoryCondiments Category = "condiments"
	CategoryOther      Category = "other"
)

// Categories lists every category in display order
var Categories = []Category{
	CategoryProduce, CategoryDairy, CategoryMeat, CategoryBakery, CategoryBeverages,
	CategoryCanned, CategoryFrozen, CategorySnacks, CategoryCondiments, CategoryOther,
}

// FoodInfo is how a detection label is shown and filed
type FoodInfo struct {
	DisplayName string   `json:"display_name"`
	Category    Category `json:"category"`
}

// cocoFood maps the COCO classes that are food to pantry entries
var cocoFood = map[string]FoodInfo{
	"banana":     {"Banana", CategoryProduce},
	"apple":      {"Apple", CategoryProduce},
	"orange":     {"Orange", CategoryProduce},
	"broccoli":   {"Broccoli", CategoryProduce},
	"carrot":     {"Carrot", CategoryProduce},
	"sandwich":   {"Sandwich", CategoryBakery},
	"pizza":      {"Pizza", CategoryBakery},
	"donut":      {"Donut", CategoryBakery},
	"cake":       {"Cake", CategoryBakery},
	"hot dog":    {"Hot Dog", CategoryMeat},
	"bottle":     {"Bottle", CategoryBeverages},
	"cup":        {"Cup", CategoryBeverages},
	"wine glass": {"Wine Glass", CategoryBeverages},
	"bowl":       {"Bowl", CategoryOther},
}

// IsFoodLabel reports whether a COCO label is a food item
func IsFoodLabel(label string) bool {
	_, ok := cocoFood[strings.ToLower(label)]
	return ok
}

// LookupFood returns the display name and category for a label. Unknown
// labels are filed under other with the label as their name.
func LookupFood(label string) FoodInfo {
	if info, ok := cocoFood[strings.ToLower(label)]; ok {
		return info
	}
	return FoodInfo{DisplayName: label, Category: CategoryOther}
}

var expiryDays = map[Category]int{
	CategoryProduce: 7,
	CategoryDairy:   14,
	CategoryMeat:    5,
	CategoryBakery:  5,
	CategoryFrozen:  90,
}

// DefaultExpiry returns the default expiry for an item of the category added
// at from, or nil when the category has none
func DefaultExpiry(c Category, from time.Time) *time.Time {
	days, ok := expiryDays[c]
	if !ok {
		return nil
	}
	t := from.AddDate(0, 0, days)
	return &t
}

// ExpiryStatus classifies a record by its expiry date
type ExpiryStatus string

const (
	ExpiryExpired      ExpiryStatus = "expired"
	ExpiryExpiringSoon ExpiryStatus = "expiring-soon"
	ExpiryFresh        ExpiryStatus = "fresh"
	ExpiryNoDate       ExpiryStatus = "no-date"
)

// ExpiringSoonWindow is how close to expiry an item counts as expiring soon
const ExpiringSoonWindow = 3 * 24 * time.Hour

// StatusAt classifies an expiry date relative to now
func StatusAt(expiresAt *time.Time, now time.Time) ExpiryStatus {
	switch {
	case expiresAt == nil:
		return ExpiryNoDate
	case !expiresAt.After(now):
		return ExpiryExpired
	case expiresAt.Sub(now) < ExpiringSoonWindow:
		return ExpiryExpiringSoon
	default:
		return ExpiryFresh
	}
}
