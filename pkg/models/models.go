package models

import (
	"time"
)

// Audit event types.
const (
	EventCreate     = "CREATE"
	EventUpdate     = "UPDATE"
	EventDeactivate = "DEACTIVATE"
)

type Category struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"size:80;not null;uniqueIndex"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Location struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"size:80;not null;uniqueIndex"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InternalUser is staff that registers loans and performs administrative actions.
type InternalUser struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"size:120;not null"`
	Email     string `gorm:"size:120;not null;uniqueIndex"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Borrower is an external person keyed by their canonical national id.
// A nil Reputation means no score was ever recorded.
type Borrower struct {
	ID         string `gorm:"primaryKey;size:12"`
	Name       string `gorm:"size:120;not null"`
	Email      string `gorm:"size:120"`
	Phone      string `gorm:"size:30"`
	Reputation *float64
	Active     bool `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Resource struct {
	ID         int64  `gorm:"primaryKey"`
	Name       string `gorm:"size:120;not null"`
	CategoryID int64  `gorm:"not null;index"`
	LocationID int64  `gorm:"not null;index"`
	Available  bool   `gorm:"not null"`
	UsageCount int    `gorm:"not null;default:0"`
	Active     bool   `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Category Category `gorm:"foreignKey:CategoryID"`
	Location Location `gorm:"foreignKey:LocationID"`
}

// Loan is open while ReturnedAt is nil. DueAt holds a calendar date at UTC midnight.
type Loan struct {
	ID             int64     `gorm:"primaryKey"`
	ResourceID     int64     `gorm:"not null;index"`
	BorrowerID     string    `gorm:"size:12;not null;index"`
	RegisteredByID int64     `gorm:"not null;index"`
	LoanedAt       time.Time `gorm:"not null;index"`
	DueAt          *time.Time
	ReturnedAt     *time.Time `gorm:"index"`
	Notes          *string    `gorm:"type:text"`

	Resource     Resource     `gorm:"foreignKey:ResourceID"`
	Borrower     Borrower     `gorm:"foreignKey:BorrowerID"`
	RegisteredBy InternalUser `gorm:"foreignKey:RegisteredByID"`
}

// AuditEvent is append-only. Detail carries the codec-encoded key and metadata.
type AuditEvent struct {
	ID          int64     `gorm:"primaryKey"`
	EventType   string    `gorm:"size:12;not null;index"`
	CreatedAt   time.Time `gorm:"not null;index"`
	ActorUserID *int64    `gorm:"index"`
	BorrowerID  *string   `gorm:"size:12;index"`
	ResourceID  *int64    `gorm:"index"`
	LoanID      *int64    `gorm:"index"`
	CategoryID  *int64    `gorm:"index"`
	LocationID  *int64    `gorm:"index"`
	Detail      string    `gorm:"type:text;not null"`

	Actor    *InternalUser `gorm:"foreignKey:ActorUserID"`
	Borrower *Borrower     `gorm:"foreignKey:BorrowerID"`
	Resource *Resource     `gorm:"foreignKey:ResourceID"`
	Loan     *Loan         `gorm:"foreignKey:LoanID"`
	Category *Category     `gorm:"foreignKey:CategoryID"`
	Location *Location     `gorm:"foreignKey:LocationID"`
}

// LoanView is a loan joined with the display names of everything it references.
type LoanView struct {
	ID               int64      `json:"id"`
	ResourceID       int64      `json:"resourceId"`
	ResourceName     string     `json:"resourceName"`
	UsageCount       int        `json:"usageCount"`
	CategoryID       int64      `json:"categoryId"`
	CategoryName     string     `json:"categoryName"`
	LocationID       int64      `json:"locationId"`
	LocationName     string     `json:"locationName"`
	BorrowerID       string     `json:"borrowerId"`
	BorrowerName     string     `json:"borrowerName"`
	RegisteredByID   int64      `json:"registeredById"`
	RegisteredByName string     `json:"registeredByName"`
	LoanedAt         time.Time  `json:"loanedAt"`
	DueAt            *time.Time `json:"dueAt"`
	ReturnedAt       *time.Time `json:"returnedAt"`
	Notes            *string    `json:"notes"`
}

// All lists every model for AutoMigrate, parents first.
func All() []interface{} {
	return []interface{}{
		&Category{}, &Location{}, &InternalUser{}, &Borrower{},
		&Resource{}, &Loan{}, &AuditEvent{},
	}
}
