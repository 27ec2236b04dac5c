package risk

import (
	"assetloans/pkg/models"
	"assetloans/pkg/reputation"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type Level string

const (
	LevelNoData Level = "NO_DATA"
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

const (
	DefaultHistory = 10
	MaxHistory     = 50
	MaxBatch       = 5

	highThreshold   = 0.70
	mediumThreshold = 0.40
)

// Snapshot is a borrower's delinquency estimate at one point in time.
// ProbabilityPct is nil when there is no history to judge.
type Snapshot struct {
	BorrowerID      string   `json:"borrowerId"`
	BorrowerName    string   `json:"borrowerName,omitempty"`
	SampleSize      int      `json:"sampleSize"`
	DelinquentCount int      `json:"delinquentCount"`
	ProbabilityPct  *float64 `json:"probabilityPct"`
	Level           Level    `json:"level"`
}

// Delinquent reports whether loan was returned after its due day, or is
// still open past it at now. Loans without a due date never are.
func Delinquent(loan models.Loan, now time.Time) bool {
	if loan.DueAt == nil {
		return false
	}
	end := now
	if loan.ReturnedAt != nil {
		end = *loan.ReturnedAt
	}
	return reputation.OverdueDays(*loan.DueAt, end) > 0
}

// Classify turns counts into a rounded percentage and a level.
// Thresholds apply to the raw fraction.
func Classify(sampleSize, delinquentCount int) (*float64, Level) {
	if sampleSize == 0 {
		return nil, LevelNoData
	}
	fraction := float64(delinquentCount) / float64(sampleSize)
	pct := math.Round(fraction*1000) / 10

	switch {
	case fraction >= highThreshold:
		return &pct, LevelHigh
	case fraction >= mediumThreshold:
		return &pct, LevelMedium
	default:
		return &pct, LevelLow
	}
}

// Evaluate scores an already loaded history window.
func Evaluate(borrowerID string, loans []models.Loan, now time.Time) Snapshot {
	snap := Snapshot{BorrowerID: borrowerID, SampleSize: len(loans)}
	for _, loan := range loans {
		if Delinquent(loan, now) {
			snap.DelinquentCount++
		}
	}
	snap.ProbabilityPct, snap.Level = Classify(snap.SampleSize, snap.DelinquentCount)
	return snap
}

type Scorer struct {
	db     *gorm.DB
	now    func() time.Time
	tracer trace.Tracer
}

// NewScorer builds a scorer reading from db. A nil now uses time.Now.
func NewScorer(db *gorm.DB, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{db: db, now: now, tracer: otel.Tracer("assetloans/risk")}
}

// Score evaluates the borrower's most recent loans. Pass the open transaction
// as tx to score inside it; a nil tx reads through the pool.
func (s *Scorer) Score(ctx context.Context, tx *gorm.DB, borrowerID string, historyLimit int) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "risk.score",
		trace.WithAttributes(attribute.String("borrower.id", borrowerID)))
	defer span.End()

	historyLimit = boundHistory(historyLimit)
	if tx == nil {
		tx = s.db
	}

	var loans []models.Loan
	err := tx.WithContext(ctx).
		Where("borrower_id = ?", borrowerID).
		Order("loaned_at DESC").Order("id DESC").
		Limit(historyLimit).
		Find(&loans).Error
	if err != nil {
		return Snapshot{}, fmt.Errorf("load loan history: %w", err)
	}

	snap := Evaluate(borrowerID, loans, s.now())
	span.SetAttributes(
		attribute.Int("risk.sample_size", snap.SampleSize),
		attribute.String("risk.level", string(snap.Level)),
	)
	return snap, nil
}

// Batch scores every active borrower and returns the riskiest MEDIUM/HIGH ones.
func (s *Scorer) Batch(ctx context.Context, maxResults, historyLimit int) ([]Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "risk.batch")
	defer span.End()

	if maxResults <= 0 || maxResults > MaxBatch {
		maxResults = MaxBatch
	}

	var borrowers []models.Borrower
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&borrowers).Error; err != nil {
		return nil, fmt.Errorf("load borrowers: %w", err)
	}

	flagged := make([]Snapshot, 0)
	for _, b := range borrowers {
		snap, err := s.Score(ctx, nil, b.ID, historyLimit)
		if err != nil {
			return nil, err
		}
		if snap.Level != LevelMedium && snap.Level != LevelHigh {
			continue
		}
		snap.BorrowerName = b.Name
		flagged = append(flagged, snap)
	}

	sort.SliceStable(flagged, func(i, j int) bool {
		return probability(flagged[i]) > probability(flagged[j])
	})
	if len(flagged) > maxResults {
		flagged = flagged[:maxResults]
	}
	span.SetAttributes(attribute.Int("risk.flagged", len(flagged)))
	return flagged, nil
}

func probability(s Snapshot) float64 {
	if s.ProbabilityPct == nil {
		return -1
	}
	return *s.ProbabilityPct
}

func boundHistory(limit int) int {
	if limit <= 0 {
		return DefaultHistory
	}
	if limit > MaxHistory {
		return MaxHistory
	}
	return limit
}
