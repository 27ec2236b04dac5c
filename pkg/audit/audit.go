// Package audit appends events to the audit log inside the caller's transaction.
package audit

import (
	"assetloans/pkg/auditcodec"
	"assetloans/pkg/models"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is one event before encoding. Nil references are stored as NULL.
type Entry struct {
	Type       string
	At         time.Time
	ActorID    *int64
	BorrowerID *string
	ResourceID *int64
	LoanID     *int64
	CategoryID *int64
	LocationID *int64
	Detail     auditcodec.Detail
}

// Record inserts e through tx. A failure must abort the surrounding
// transaction, so callers return the error from their Transaction func.
func Record(tx *gorm.DB, e Entry) (*models.AuditEvent, error) {
	switch e.Type {
	case models.EventCreate, models.EventUpdate, models.EventDeactivate:
	default:
		return nil, fmt.Errorf("record audit event: unknown type %q", e.Type)
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	event := &models.AuditEvent{
		EventType:   e.Type,
		CreatedAt:   at.UTC(),
		ActorUserID: e.ActorID,
		BorrowerID:  e.BorrowerID,
		ResourceID:  e.ResourceID,
		LoanID:      e.LoanID,
		CategoryID:  e.CategoryID,
		LocationID:  e.LocationID,
		Detail:      auditcodec.EncodeDetail(e.Detail),
	}
	if err := tx.Omit(clause.Associations).Create(event).Error; err != nil {
		return nil, fmt.Errorf("record audit event: %w", err)
	}
	return event, nil
}

// Ref returns a pointer to v, for the optional reference fields.
func Ref[T any](v T) *T { return &v }
