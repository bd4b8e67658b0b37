// Package domain defines the core business entities for the AutoControl
// edge agent. These models are independent of the cloud backend and the
// local persistence layer and represent the canonical data structures
// used throughout the agent.
package domain

import "time"

// ============================================================
// Session / Users
// ============================================================

// Role determines what a user may do in the application.
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleUser          Role = "User"
	RoleReadOnly      Role = "ReadOnly"
)

// User represents a member of the establishment's staff.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name" validate:"required"`
	Email     string    `json:"email" validate:"required,email"`
	Role      Role      `json:"role" validate:"required,oneof=Administrator User ReadOnly"`
	IsActive  bool      `json:"isActive"`
	CompanyID string    `json:"companyId"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserPatch carries the mutable fields of a user. Nil means "leave as is".
type UserPatch struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	Role     *Role   `json:"role,omitempty" validate:"omitempty,oneof=Administrator User ReadOnly"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// Session holds the authenticated state of the agent. CurrentUser is
// non-nil iff Token is non-empty and has been validated against the
// backend at least once, except for degraded offline sessions where
// Offline is true and Token is empty.
type Session struct {
	Token       string `json:"token,omitempty"`
	CurrentUser *User  `json:"currentUser,omitempty"`
	Offline     bool   `json:"offline,omitempty"`
}

// Active reports whether someone is logged in, online or offline.
func (s Session) Active() bool {
	return s.CurrentUser != nil
}

// ============================================================
// Establishment
// ============================================================

// EstablishmentInfo is the tenant profile owning users and records.
type EstablishmentInfo struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name"`
	Address       string    `json:"address,omitempty"`
	City          string    `json:"city,omitempty"`
	PostalCode    string    `json:"postalCode,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	SanitaryRegNo string    `json:"sanitaryRegNo,omitempty"`
	TechManager   string    `json:"techManager,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// DefaultEstablishmentInfo is used when the backend is unreachable and
// nothing has been cached locally yet.
func DefaultEstablishmentInfo() EstablishmentInfo {
	return EstablishmentInfo{Name: "Mi Establecimiento"}
}

// ============================================================
// Record audit fields
// ============================================================

// Audit carries the registration stamp shared by every record type.
// Records are created once and never edited in place (incidents are the
// exception, see incident.go).
type Audit struct {
	UserID         string    `json:"userId,omitempty"`
	RegisteredBy   string    `json:"registeredBy,omitempty"`
	RegisteredByID string    `json:"registeredById,omitempty"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

// ============================================================
// Self-control records
// ============================================================

// DeliveryRecord logs an incoming shipment with its compliance checks.
type DeliveryRecord struct {
	ID              string  `json:"id"`
	Supplier        string  `json:"supplier" validate:"required"`
	Product         string  `json:"product" validate:"required"`
	Quantity        float64 `json:"quantity"`
	Unit            string  `json:"unit,omitempty"`
	TemperatureC    float64 `json:"temperatureC"`
	PackagingOK     bool    `json:"packagingOk"`
	LabellingOK     bool    `json:"labellingOk"`
	TransportCondOK bool    `json:"transportCondOk"`
	LotNumber       string  `json:"lotNumber,omitempty"`
	ExpiryDate      string  `json:"expiryDate,omitempty"`
	Observations    string  `json:"observations,omitempty"`
	Audit
}

// StorageRecord logs a cold-storage temperature reading for one unit.
type StorageRecord struct {
	ID           string  `json:"id"`
	StorageUnit  string  `json:"storageUnit" validate:"required"`
	TemperatureC float64 `json:"temperatureC"`
	MinAllowedC  float64 `json:"minAllowedC"`
	MaxAllowedC  float64 `json:"maxAllowedC"`
	Compliant    bool    `json:"compliant"`
	Observations string  `json:"observations,omitempty"`
	Audit
}

// DailyCleaningRecord logs a completed task of the cleaning schedule.
type DailyCleaningRecord struct {
	ID           string `json:"id"`
	Area         string `json:"area" validate:"required"`
	Task         string `json:"task" validate:"required"`
	ProductUsed  string `json:"productUsed,omitempty"`
	DeepClean    bool   `json:"deepClean"`
	Observations string `json:"observations,omitempty"`
	Audit
}

// OutgoingRecord logs an outbound delivery for traceability.
type OutgoingRecord struct {
	ID           string  `json:"id"`
	Customer     string  `json:"customer" validate:"required"`
	Product      string  `json:"product" validate:"required"`
	Quantity     float64 `json:"quantity"`
	LotNumber    string  `json:"lotNumber,omitempty"`
	Destination  string  `json:"destination,omitempty"`
	Observations string  `json:"observations,omitempty"`
	Audit
}

// ElaboratedRecord logs an in-house elaborated product batch.
type ElaboratedRecord struct {
	ID           string   `json:"id"`
	Product      string   `json:"product" validate:"required"`
	LotNumber    string   `json:"lotNumber,omitempty"`
	Ingredients  []string `json:"ingredients,omitempty"`
	ElaboratedOn string   `json:"elaboratedOn,omitempty"`
	UseBy        string   `json:"useBy,omitempty"`
	Observations string   `json:"observations,omitempty"`
	Audit
}

// TechnicalSheet describes a dish: ingredients, allergens, process.
type TechnicalSheet struct {
	ID          string   `json:"id"`
	Name        string   `json:"name" validate:"required"`
	Category    string   `json:"category,omitempty"`
	Ingredients []string `json:"ingredients,omitempty"`
	Allergens   []string `json:"allergens,omitempty"`
	Process     string   `json:"process,omitempty"`
	Audit
}

// CostingLine is one priced component of a costing.
type CostingLine struct {
	Ingredient string  `json:"ingredient"`
	Quantity   float64 `json:"quantity"`
	UnitCost   float64 `json:"unitCost"`
}

// Costing captures the cost breakdown and margin of a menu item.
type Costing struct {
	ID        string        `json:"id"`
	Name      string        `json:"name" validate:"required"`
	Lines     []CostingLine `json:"lines,omitempty"`
	TotalCost float64       `json:"totalCost"`
	SalePrice float64       `json:"salePrice"`
	MarginPct float64       `json:"marginPct"`
	Portions  int           `json:"portions,omitempty"`
	Audit
}

// ============================================================
// Notifications
// ============================================================

// NotificationLevel classifies a user-facing notification.
type NotificationLevel string

const (
	NotificationSuccess NotificationLevel = "success"
	NotificationError   NotificationLevel = "error"
	NotificationInfo    NotificationLevel = "info"
)

// Notification is a toast-style message surfaced to the local UI.
type Notification struct {
	ID      string            `json:"id"`
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
}

// ============================================================
// Sync status
// ============================================================

// SyncStatus is a snapshot of the agent's synchronization health,
// assembled from the Prometheus counters.
type SyncStatus struct {
	Online         bool    `json:"online"`
	SessionActive  bool    `json:"sessionActive"`
	OfflineSession bool    `json:"offlineSession"`
	TotalMutations int64   `json:"totalMutations"`
	FallbackWrites int64   `json:"fallbackWrites"`
	FallbackRate   float64 `json:"fallbackRate"`
	GatewayErrors  int64   `json:"gatewayErrors"`
}
