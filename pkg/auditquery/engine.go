package auditquery

import (
	"assetloans/pkg/apperr"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Engine answers read-only listing queries. It takes no locks.
type Engine struct {
	db     *gorm.DB
	now    func() time.Time
	tracer trace.Tracer
}

// NewEngine builds an engine over db. A nil now uses time.Now.
func NewEngine(db *gorm.DB, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: db, now: now, tracer: otel.Tracer("assetloans/auditquery")}
}

func internal(op string, err error) error {
	log.Printf("%s failed: %v", op, err)
	return apperr.Internal(op, err)
}

type named[K comparable] struct {
	ID   K
	Name string
}

// lookup maps ids to names through q, which must select "id" and "name".
func lookup[K comparable](q *gorm.DB, idColumn string, ids map[K]struct{}) (map[K]string, error) {
	out := make(map[K]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	list := make([]K, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	var rows []named[K]
	if err := q.Where(idColumn+" IN ?", list).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("load names: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.Name
	}
	return out, nil
}

func paginate[T any](rows []T, page, limit int) []T {
	start := (page - 1) * limit
	if start >= len(rows) {
		return []T{}
	}
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}
