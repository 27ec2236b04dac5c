package auditquery

import (
	"assetloans/pkg/apperr"
	"assetloans/pkg/loans"
	"assetloans/pkg/models"
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Loan listing modes.
const (
	ModeFrequency = "frequency"
	ModeDueSoon   = "due_soon"
	// ModeOverdue currently selects the same window as ModeDueSoon.
	ModeOverdue = "overdue"
)

// LoanFilter holds raw loan filter values. Dates apply to loaned_at.
type LoanFilter struct {
	From         string
	To           string
	ResourceID   string
	CategoryID   string
	LocationID   string
	RegisteredBy string
	BorrowerID   string
	Status       string
	Mode         string
	RefType      string
	Ref          string
}

var loanSortColumns = map[string]string{
	"loaned_at":   "loans.loaned_at",
	"due_at":      "loans.due_at",
	"returned_at": "loans.returned_at",
	"resource":    "resources.name",
	"borrower":    "borrowers.name",
	"usage_count": "resources.usage_count",
}

// latestPerResource keeps the most recent loan of each resource.
const latestPerResource = `NOT EXISTS (SELECT 1 FROM loans newer
	WHERE newer.resource_id = loans.resource_id
	AND (newer.loaned_at > loans.loaned_at OR (newer.loaned_at = loans.loaned_at AND newer.id > loans.id)))`

func (e *Engine) planLoans(f LoanFilter) ([]scope, string, error) {
	var scopes []scope

	start, end, err := dateRange(f.From, f.To)
	if err != nil {
		return nil, "", err
	}
	if start != nil {
		scopes = append(scopes, where("loans.loaned_at >= ?", *start))
	}
	if end != nil {
		scopes = append(scopes, where("loans.loaned_at < ?", *end))
	}

	ids, err := idFilters(map[string]string{
		"resource_id":   "loans.resource_id",
		"category_id":   "resources.category_id",
		"location_id":   "resources.location_id",
		"registered_by": "loans.registered_by_id",
	}, map[string]string{
		"resource_id":   f.ResourceID,
		"category_id":   f.CategoryID,
		"location_id":   f.LocationID,
		"registered_by": f.RegisteredBy,
	})
	if err != nil {
		return nil, "", err
	}
	scopes = append(scopes, ids...)

	borrower, ok, err := parseBorrower("borrower_id", f.BorrowerID)
	if err != nil {
		return nil, "", err
	}
	if ok {
		scopes = append(scopes, where("loans.borrower_id = ?", borrower))
	}

	switch strings.ToLower(strings.TrimSpace(f.Status)) {
	case "", "all":
	case "open":
		scopes = append(scopes, where("loans.returned_at IS NULL"))
	case "returned":
		scopes = append(scopes, where("loans.returned_at IS NOT NULL"))
	default:
		return nil, "", apperr.Invalid("status", "must be open, returned or all")
	}

	kind, ref, err := refType(f.RefType, f.Ref)
	if err != nil {
		return nil, "", err
	}
	if kind != "" {
		s, err := loanRef(kind, ref)
		if err != nil {
			return nil, "", err
		}
		scopes = append(scopes, s)
	}

	mode := strings.ToLower(strings.TrimSpace(f.Mode))
	switch mode {
	case "":
	case ModeFrequency:
		scopes = append(scopes, where(latestPerResource))
	case ModeDueSoon, ModeOverdue:
		now := e.now()
		scopes = append(scopes, func(db *gorm.DB) *gorm.DB { return loans.DueWindow(db, now) })
	default:
		return nil, "", apperr.Invalid("mode", "must be frequency, due_soon or overdue")
	}
	return scopes, mode, nil
}

func loanRef(kind, ref string) (scope, error) {
	numeric := func(column string) (scope, error) {
		id, _, err := parseID("ref", ref)
		if err != nil {
			return nil, err
		}
		return where(column+" = ?", id), nil
	}
	byName := func(column string) scope {
		return where("LOWER("+column+") LIKE ?", contains(ref))
	}

	switch kind {
	case RefResource:
		if isDigits(ref) {
			return numeric("loans.resource_id")
		}
		return byName("resources.name"), nil
	case RefCategory:
		if isDigits(ref) {
			return numeric("resources.category_id")
		}
		return byName("categories.name"), nil
	case RefLocation:
		if isDigits(ref) {
			return numeric("resources.location_id")
		}
		return byName("locations.name"), nil
	case RefBorrower:
		return borrowerRef("loans.borrower_id", ref, func(pattern string) scope {
			return where("LOWER(borrowers.name) LIKE ?", pattern)
		}), nil
	case RefLoan:
		if !isDigits(ref) {
			return nil, apperr.Invalid("ref", "loan references must be numeric")
		}
		return numeric("loans.id")
	default:
		if isDigits(ref) {
			return numeric("loans.registered_by_id")
		}
		return byName("internal_users.name"), nil
	}
}

// ListLoans returns one page of loans with their display names. The frequency
// mode keeps the latest loan of each resource ordered by usage count and
// ignores sortKey.
func (e *Engine) ListLoans(ctx context.Context, f LoanFilter, page, limit int, sortKey, sortDir string) (*Page[models.LoanView], error) {
	ctx, span := e.tracer.Start(ctx, "auditquery.list_loans",
		trace.WithAttributes(attribute.String("filter.mode", f.Mode)))
	defer span.End()

	dir, err := direction(sortDir)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(sortKey))
	if key == "" {
		key = "loaned_at"
	}
	column, ok := loanSortColumns[key]
	if !ok {
		return nil, apperr.Invalid("sort", "unknown sort key "+sortKey)
	}
	scopes, mode, err := e.planLoans(f)
	if err != nil {
		return nil, err
	}
	page, limit = bounds(page, limit, defaultLoanLimit, maxLoanLimit)

	base := func() *gorm.DB {
		return loans.ViewQuery(e.db.WithContext(ctx)).Scopes(scopes...)
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, internal("list loans", err)
	}

	q := base()
	if mode == ModeFrequency {
		q = q.Order("resources.usage_count DESC").Order("loans.loaned_at DESC")
	} else {
		q = q.Order(column + " " + dir)
	}
	rows := make([]models.LoanView, 0)
	err = q.Order("loans.id DESC").Offset((page - 1) * limit).Limit(limit).Scan(&rows).Error
	if err != nil {
		return nil, internal("list loans", err)
	}

	span.SetAttributes(attribute.Int64("result.total", total))
	return &Page[models.LoanView]{Page: page, Limit: limit, Total: total, Rows: rows}, nil
}
