// Package auditquery builds filtered, paginated views over the audit log and
// the loan records, resolving references back to display names.
package auditquery

import (
	"assetloans/pkg/apperr"
	"assetloans/pkg/rut"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Reference types accepted by the ref_type filter.
const (
	RefResource     = "recurso"
	RefCategory     = "categoria"
	RefLocation     = "ubicacion"
	RefBorrower     = "usuario_externo"
	RefLoan         = "prestamo"
	RefInternalUser = "usuario_interno"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 100
	defaultLoanLimit  = 50
	maxLoanLimit      = 200
)

const dateLayout = "2006-01-02"

type scope = func(*gorm.DB) *gorm.DB

// Page is one page of a listing.
type Page[T any] struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Rows  []T   `json:"rows"`
}

func bounds(page, limit, def, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return page, limit
}

func direction(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "desc":
		return "DESC", nil
	case "asc":
		return "ASC", nil
	default:
		return "", apperr.Invalid("sort_dir", "must be asc or desc")
	}
}

// dateRange parses from/to as inclusive calendar days and returns the
// half-open UTC interval they cover.
func dateRange(from, to string) (start, end *time.Time, err error) {
	if from = strings.TrimSpace(from); from != "" {
		d, perr := time.Parse(dateLayout, from)
		if perr != nil {
			return nil, nil, apperr.Invalid("from", "expected YYYY-MM-DD")
		}
		start = &d
	}
	if to = strings.TrimSpace(to); to != "" {
		d, perr := time.Parse(dateLayout, to)
		if perr != nil {
			return nil, nil, apperr.Invalid("to", "expected YYYY-MM-DD")
		}
		next := d.AddDate(0, 0, 1)
		end = &next
	}
	if start != nil && end != nil && !start.Before(*end) {
		return nil, nil, apperr.Invalid("to", "must not be before from")
	}
	return start, end, nil
}

func parseID(field, raw string) (int64, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, apperr.Invalid(field, "must be a positive integer")
	}
	return id, true, nil
}

func parseBorrower(field, raw string) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, nil
	}
	id, err := rut.Normalize(raw)
	if err != nil {
		return "", false, apperr.Invalid(field, err.Error())
	}
	return id, true, nil
}

// idFilters turns named numeric filters into equality scopes on their columns.
func idFilters(columns map[string]string, values map[string]string) ([]scope, error) {
	var scopes []scope
	for _, field := range sortedFields(values) {
		id, ok, err := parseID(field, values[field])
		if err != nil {
			return nil, err
		}
		if ok {
			scopes = append(scopes, where(columns[field]+" = ?", id))
		}
	}
	return scopes, nil
}

func sortedFields(values map[string]string) []string {
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func where(query string, args ...interface{}) scope {
	return func(db *gorm.DB) *gorm.DB { return db.Where(query, args...) }
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func contains(s string) string {
	return "%" + strings.ToLower(s) + "%"
}

func refType(raw, ref string) (string, string, error) {
	t := strings.ToLower(strings.TrimSpace(raw))
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", nil
	}
	switch t {
	case RefResource, RefCategory, RefLocation, RefBorrower, RefLoan, RefInternalUser:
		return t, ref, nil
	case "":
		return "", "", apperr.Invalid("ref_type", "required when ref is set")
	default:
		return "", "", apperr.Invalid("ref_type", "unknown reference type "+strconv.Quote(raw))
	}
}

// borrowerRef matches a borrower id column against a ref value: a full
// identifier, a bare body of digits, or otherwise a name fragment. Digits that
// also form a valid identifier match either way.
func borrowerRef(idColumn, ref string, byName func(pattern string) scope) scope {
	id, err := rut.Normalize(ref)
	switch {
	case isDigits(ref) && err == nil:
		return where("("+idColumn+" = ? OR "+idColumn+" LIKE ?)", id, strings.TrimLeft(ref, "0")+"-%")
	case err == nil:
		return where(idColumn+" = ?", id)
	case isDigits(ref):
		return where(idColumn+" LIKE ?", strings.TrimLeft(ref, "0")+"-%")
	default:
		return byName(contains(ref))
	}
}
