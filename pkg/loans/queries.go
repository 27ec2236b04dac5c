package loans

import (
	"assetloans/pkg/models"
	"assetloans/pkg/reputation"
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

const loanViewColumns = `loans.id, loans.resource_id, resources.name AS resource_name, resources.usage_count,
	resources.category_id, categories.name AS category_name,
	resources.location_id, locations.name AS location_name,
	loans.borrower_id, borrowers.name AS borrower_name,
	loans.registered_by_id, internal_users.name AS registered_by_name,
	loans.loaned_at, loans.due_at, loans.returned_at, loans.notes`

// ViewQuery selects loans joined with the names of everything they reference,
// ready to be scanned into models.LoanView.
func ViewQuery(db *gorm.DB) *gorm.DB {
	return db.Table("loans").
		Select(loanViewColumns).
		Joins("JOIN resources ON resources.id = loans.resource_id").
		Joins("JOIN categories ON categories.id = resources.category_id").
		Joins("JOIN locations ON locations.id = resources.location_id").
		Joins("JOIN borrowers ON borrowers.id = loans.borrower_id").
		Joins("JOIN internal_users ON internal_users.id = loans.registered_by_id")
}

// History returns every loan, newest first.
func (s *Service) History(ctx context.Context) ([]models.LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "loans.history")
	defer span.End()

	rows := make([]models.LoanView, 0)
	err := ViewQuery(s.db.WithContext(ctx)).
		Order("loans.loaned_at DESC").Order("loans.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, classify("history", fmt.Errorf("load history: %w", err))
	}
	return rows, nil
}

// UpcomingDue returns open loans due today or tomorrow.
func (s *Service) UpcomingDue(ctx context.Context) ([]models.LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "loans.upcoming_due")
	defer span.End()

	rows := make([]models.LoanView, 0)
	err := DueWindow(ViewQuery(s.db.WithContext(ctx)), s.now()).
		Order("loans.due_at ASC").Order("resources.name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, classify("upcoming due", fmt.Errorf("load upcoming due: %w", err))
	}
	return rows, nil
}

// DueWindow restricts a loan query to open loans whose due day is today or tomorrow.
func DueWindow(q *gorm.DB, now time.Time) *gorm.DB {
	today := reputation.Day(now)
	return q.Where("loans.returned_at IS NULL").
		Where("loans.due_at >= ? AND loans.due_at < ?", today, today.AddDate(0, 0, 2))
}
