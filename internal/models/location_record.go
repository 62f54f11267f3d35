package models

import "time"

// LocationRecord is a row of location-owned data readable by store-query
// tools (class schedules, gym facts, hours). Queries are restricted to
// whitelisted collections of the owning location, never cross-location.
type LocationRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	LocationID string `gorm:"size:64;not null;index:idx_location_collection"`
	Collection string `gorm:"size:64;not null;index:idx_location_collection"`
	Key        string `gorm:"size:128"`
	Value      string `gorm:"type:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
