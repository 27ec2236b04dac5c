package loans

import (
	"assetloans/pkg/audit"
	"assetloans/pkg/auditcodec"
	"assetloans/pkg/models"
	"assetloans/pkg/reputation"
	"assetloans/pkg/risk"
	"assetloans/pkg/rut"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Notifier receives committed loan events. Its failures are logged and never
// affect the transaction that produced the event.
type Notifier interface {
	Send(ctx context.Context, kind string, payload any) error
}

// Service owns resource availability and the loan lifecycle. Every mutation
// runs in one transaction holding row locks on the rows it changes.
type Service struct {
	db       *gorm.DB
	scorer   *risk.Scorer
	notifier Notifier
	now      func() time.Time
	tracer   trace.Tracer
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:     db,
		now:    time.Now,
		tracer: otel.Tracer("assetloans/loans"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scorer = risk.NewScorer(db, s.now)
	return s
}

// Scorer exposes the risk scorer sharing this service's pool and clock.
func (s *Service) Scorer() *risk.Scorer { return s.scorer }

type CheckoutInput struct {
	ActorID    int64
	BorrowerID string
	ResourceID int64
	DueDate    *time.Time
	Notes      *string
}

type CheckoutResult struct {
	LoanID int64         `json:"loanId"`
	Risk   risk.Snapshot `json:"risk"`
}

// Checkout lends a resource to a borrower. The risk snapshot is computed after
// the new loan is inserted and is informational only.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	ctx, span := s.tracer.Start(ctx, "loans.checkout",
		trace.WithAttributes(
			attribute.Int64("resource.id", in.ResourceID),
			attribute.Int64("actor.id", in.ActorID),
		),
	)
	defer span.End()

	if in.ActorID <= 0 {
		return nil, ErrMissingActor
	}
	borrowerID, err := rut.Normalize(in.BorrowerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	var dueAt *time.Time
	if in.DueDate != nil {
		d := reputation.Day(*in.DueDate)
		dueAt = &d
	}
	notes := cleanNotes(in.Notes)

	var result CheckoutResult
	var created createdEvent
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireActor(tx, in.ActorID); err != nil {
			return err
		}

		var res models.Resource
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, in.ResourceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrResourceNotFound
		}
		if err != nil {
			return fmt.Errorf("lock resource: %w", err)
		}
		if !res.Available {
			return ErrResourceAlreadyLoaned
		}
		if !res.Active {
			return ErrResourceInactive
		}

		var borrower models.Borrower
		err = tx.First(&borrower, "id = ?", borrowerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBorrowerNotFound
		}
		if err != nil {
			return fmt.Errorf("load borrower: %w", err)
		}

		now := s.now().UTC()
		loan := models.Loan{
			ResourceID:     res.ID,
			BorrowerID:     borrower.ID,
			RegisteredByID: in.ActorID,
			LoanedAt:       now,
			DueAt:          dueAt,
			Notes:          notes,
		}
		if err := tx.Omit(clause.Associations).Create(&loan).Error; err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}

		err = tx.Model(&models.Resource{}).Where("id = ?", res.ID).Updates(map[string]interface{}{
			"available":   false,
			"usage_count": gorm.Expr("usage_count + ?", 1),
		}).Error
		if err != nil {
			return fmt.Errorf("mark resource loaned: %w", err)
		}

		snap, err := s.scorer.Score(ctx, tx, borrower.ID, risk.DefaultHistory)
		if err != nil {
			return err
		}

		fields := map[string]string{
			"loan_id":       strconv.FormatInt(loan.ID, 10),
			"resource_id":   strconv.FormatInt(res.ID, 10),
			"resource_name": res.Name,
			"borrower_id":   borrower.ID,
			"borrower_name": borrower.Name,
			"risk_level":    string(snap.Level),
		}
		if dueAt != nil {
			fields["due_at"] = dueAt.Format(dateLayout)
		}
		if snap.ProbabilityPct != nil {
			fields["risk_pct"] = strconv.FormatFloat(*snap.ProbabilityPct, 'f', 1, 64)
		}
		_, err = audit.Record(tx, audit.Entry{
			Type:       models.EventCreate,
			At:         now,
			ActorID:    audit.Ref(in.ActorID),
			BorrowerID: audit.Ref(borrower.ID),
			ResourceID: audit.Ref(res.ID),
			LoanID:     audit.Ref(loan.ID),
			Detail:     auditcodec.Detail{Key: auditcodec.KeyLoanCreated, Fields: fields},
		})
		if err != nil {
			return err
		}

		result = CheckoutResult{LoanID: loan.ID, Risk: snap}
		created = createdEvent{
			LoanID: loan.ID, ResourceID: res.ID, ResourceName: res.Name,
			BorrowerID: borrower.ID, BorrowerName: borrower.Name, BorrowerEmail: borrower.Email,
			LoanedAt: now, DueAt: dueAt, RiskLevel: snap.Level,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify("checkout", err)
	}

	span.SetAttributes(attribute.Int64("loan.id", result.LoanID))
	s.notify(ctx, "loan.created", created)
	return &result, nil
}

// ReputationChange describes the borrower score update applied on return.
type ReputationChange struct {
	BorrowerID string  `json:"borrowerId"`
	Previous   float64 `json:"previous"`
	Current    float64 `json:"current"`
	Delta      float64 `json:"delta"`
}

type ReturnResult struct {
	LoanID      int64             `json:"loanId"`
	ReturnedAt  time.Time         `json:"returnedAt"`
	OverdueDays *int              `json:"overdueDays,omitempty"`
	Reputation  *ReputationChange `json:"reputation,omitempty"`
}

// Return closes an open loan, releases its resource and, when the loan had a
// due date, applies the reputation policy to the borrower.
func (s *Service) Return(ctx context.Context, actorID, loanID int64) (*ReturnResult, error) {
	ctx, span := s.tracer.Start(ctx, "loans.return",
		trace.WithAttributes(
			attribute.Int64("loan.id", loanID),
			attribute.Int64("actor.id", actorID),
		),
	)
	defer span.End()

	if actorID <= 0 {
		return nil, ErrMissingActor
	}

	var result ReturnResult
	var returned returnedEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireActor(tx, actorID); err != nil {
			return err
		}

		loan, err := lockLoan(tx, loanID)
		if err != nil {
			return err
		}
		if loan.ReturnedAt != nil {
			return ErrLoanAlreadyReturned
		}

		now := s.now().UTC()
		if err := tx.Model(&models.Loan{}).Where("id = ?", loan.ID).Update("returned_at", now).Error; err != nil {
			return fmt.Errorf("close loan: %w", err)
		}

		var res models.Resource
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, loan.ResourceID).Error; err != nil {
			return fmt.Errorf("lock resource: %w", err)
		}
		if err := tx.Model(&models.Resource{}).Where("id = ?", res.ID).Update("available", true).Error; err != nil {
			return fmt.Errorf("release resource: %w", err)
		}

		result = ReturnResult{LoanID: loan.ID, ReturnedAt: now}
		fields := map[string]string{
			"loan_id":       strconv.FormatInt(loan.ID, 10),
			"resource_id":   strconv.FormatInt(res.ID, 10),
			"resource_name": res.Name,
			"borrower_id":   loan.BorrowerID,
			"returned_at":   now.Format(time.RFC3339),
		}

		if loan.DueAt != nil {
			overdue := reputation.OverdueDays(*loan.DueAt, now)
			result.OverdueDays = &overdue
			fields["overdue_days"] = strconv.Itoa(overdue)

			change, err := s.applyReputation(tx, actorID, loan, overdue, now)
			if err != nil {
				return err
			}
			result.Reputation = change
		}

		_, err = audit.Record(tx, audit.Entry{
			Type:       models.EventUpdate,
			At:         now,
			ActorID:    audit.Ref(actorID),
			BorrowerID: audit.Ref(loan.BorrowerID),
			ResourceID: audit.Ref(res.ID),
			LoanID:     audit.Ref(loan.ID),
			Detail:     auditcodec.Detail{Key: auditcodec.KeyLoanReturned, Fields: fields},
		})
		if err != nil {
			return err
		}

		returned = returnedEvent{
			LoanID: loan.ID, ResourceID: res.ID, ResourceName: res.Name,
			BorrowerID: loan.BorrowerID, ReturnedAt: now, OverdueDays: result.OverdueDays,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify("return", err)
	}

	s.notify(ctx, "loan.returned", returned)
	return &result, nil
}

// applyReputation updates the borrower's score and records the change.
// A missing borrower row is skipped without an event.
func (s *Service) applyReputation(tx *gorm.DB, actorID int64, loan *models.Loan, overdue int, now time.Time) (*ReputationChange, error) {
	var borrower models.Borrower
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&borrower, "id = ?", loan.BorrowerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock borrower: %w", err)
	}

	previous := reputation.Default
	if borrower.Reputation != nil {
		previous = *borrower.Reputation
	}
	delta := reputation.Delta(overdue)
	current := reputation.Apply(borrower.Reputation, delta)

	if err := tx.Model(&models.Borrower{}).Where("id = ?", borrower.ID).Update("reputation", current).Error; err != nil {
		return nil, fmt.Errorf("update reputation: %w", err)
	}

	_, err = audit.Record(tx, audit.Entry{
		Type:       models.EventUpdate,
		At:         now,
		ActorID:    audit.Ref(actorID),
		BorrowerID: audit.Ref(borrower.ID),
		LoanID:     audit.Ref(loan.ID),
		Detail: auditcodec.Detail{Key: auditcodec.KeyReputationUpdated, Fields: map[string]string{
			"borrower_id":   borrower.ID,
			"borrower_name": borrower.Name,
			"loan_id":       strconv.FormatInt(loan.ID, 10),
			"previous":      strconv.FormatFloat(previous, 'f', 2, 64),
			"current":       strconv.FormatFloat(current, 'f', 2, 64),
			"delta":         strconv.FormatFloat(delta, 'f', 2, 64),
			"overdue_days":  strconv.Itoa(overdue),
		}},
	})
	if err != nil {
		return nil, err
	}
	return &ReputationChange{BorrowerID: borrower.ID, Previous: previous, Current: current, Delta: delta}, nil
}

// UpdateNotes overwrites a loan's notes, open or closed. Nil or blank notes clear them.
func (s *Service) UpdateNotes(ctx context.Context, actorID, loanID int64, notes *string) error {
	ctx, span := s.tracer.Start(ctx, "loans.update_notes",
		trace.WithAttributes(attribute.Int64("loan.id", loanID)))
	defer span.End()

	if actorID <= 0 {
		return ErrMissingActor
	}
	notes = cleanNotes(notes)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireActor(tx, actorID); err != nil {
			return err
		}
		loan, err := lockLoan(tx, loanID)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Loan{}).Where("id = ?", loan.ID).Update("notes", notes).Error; err != nil {
			return fmt.Errorf("update notes: %w", err)
		}

		fields := map[string]string{"loan_id": strconv.FormatInt(loan.ID, 10)}
		if notes != nil {
			fields["notes"] = *notes
		} else {
			fields["cleared"] = "true"
		}
		_, err = audit.Record(tx, audit.Entry{
			Type:       models.EventUpdate,
			At:         s.now().UTC(),
			ActorID:    audit.Ref(actorID),
			BorrowerID: audit.Ref(loan.BorrowerID),
			ResourceID: audit.Ref(loan.ResourceID),
			LoanID:     audit.Ref(loan.ID),
			Detail:     auditcodec.Detail{Key: auditcodec.KeyLoanNotesUpdated, Fields: fields},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return classify("update notes", err)
	}
	return nil
}

func requireActor(tx *gorm.DB, actorID int64) error {
	var count int64
	if err := tx.Model(&models.InternalUser{}).Where("id = ?", actorID).Count(&count).Error; err != nil {
		return fmt.Errorf("load actor: %w", err)
	}
	if count == 0 {
		return ErrActorNotFound
	}
	return nil
}

func lockLoan(tx *gorm.DB, loanID int64) (*models.Loan, error) {
	var loan models.Loan
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loan, loanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock loan: %w", err)
	}
	return &loan, nil
}

func cleanNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

type createdEvent struct {
	LoanID        int64      `json:"loanId"`
	ResourceID    int64      `json:"resourceId"`
	ResourceName  string     `json:"resourceName"`
	BorrowerID    string     `json:"borrowerId"`
	BorrowerName  string     `json:"borrowerName"`
	BorrowerEmail string     `json:"borrowerEmail,omitempty"`
	LoanedAt      time.Time  `json:"loanedAt"`
	DueAt         *time.Time `json:"dueAt,omitempty"`
	RiskLevel     risk.Level `json:"riskLevel"`
}

type returnedEvent struct {
	LoanID       int64     `json:"loanId"`
	ResourceID   int64     `json:"resourceId"`
	ResourceName string    `json:"resourceName"`
	BorrowerID   string    `json:"borrowerId"`
	ReturnedAt   time.Time `json:"returnedAt"`
	OverdueDays  *int      `json:"overdueDays,omitempty"`
}

// notify runs after commit; the caller's cancellation no longer applies.
func (s *Service) notify(ctx context.Context, kind string, payload any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(context.WithoutCancel(ctx), kind, payload); err != nil {
		log.Printf("notification %s failed: %v", kind, err)
	}
}
