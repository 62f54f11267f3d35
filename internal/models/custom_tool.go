package models

import "time"

// Tool backend kinds.
const (
	BackendRest       = "rest"
	BackendStoreQuery = "store_query"
	BackendWebhook    = "webhook"
)

// Tool lifecycle statuses.
const (
	ToolStatusDraft    = "draft"
	ToolStatusActive   = "active"
	ToolStatusDisabled = "disabled"
)

// CustomTool is a declarative, location-scoped capability the AI may invoke
// mid-conversation. Exactly one of the backend config columns is populated,
// selected by BackendKind. A tool in draft status is never offered to the AI
// or executed.
type CustomTool struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	LocationID  string `gorm:"size:64;not null;uniqueIndex:idx_location_name"`
	Name        string `gorm:"size:64;not null;uniqueIndex:idx_location_name"`
	DisplayName string `gorm:"size:128"`
	Description string `gorm:"type:text"`
	BackendKind string `gorm:"size:16;not null"`

	// Params holds the JSON-encoded parameter schema ([]gateway.ParamSpec).
	Params string `gorm:"type:json"`

	// Backend configs, JSON-encoded tagged variants.
	RestConfig       string `gorm:"type:json"`
	StoreQueryConfig string `gorm:"type:json"`
	WebhookConfig    string `gorm:"type:json"`

	// Auth is the JSON-encoded authentication descriptor for REST backends.
	Auth string `gorm:"type:json"`

	// Rate-limit ceilings. Zero means the ceiling is not enforced.
	MemberDailyLimit    int
	LocationHourlyLimit int

	Status         string `gorm:"size:16;default:draft;index"`
	LastTestResult string `gorm:"size:16"`
	LastTestAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
