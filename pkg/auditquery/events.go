package auditquery

import (
	"assetloans/pkg/apperr"
	"assetloans/pkg/auditcodec"
	"assetloans/pkg/models"
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// AuditFilter holds raw filter values as received from the caller.
// Empty fields do not filter.
type AuditFilter struct {
	From       string
	To         string
	EventType  string
	ActorID    string
	ResourceID string
	CategoryID string
	LocationID string
	LoanID     string
	BorrowerID string
	RefType    string
	Ref        string
}

// Subject is the single entity an event row is displayed as being about.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type EventRow struct {
	ID         int64             `json:"id"`
	EventType  string            `json:"eventType"`
	CreatedAt  time.Time         `json:"createdAt"`
	ActorID    *int64            `json:"actorId,omitempty"`
	ActorName  string            `json:"actorName,omitempty"`
	BorrowerID *string           `json:"borrowerId,omitempty"`
	ResourceID *int64            `json:"resourceId,omitempty"`
	LoanID     *int64            `json:"loanId,omitempty"`
	CategoryID *int64            `json:"categoryId,omitempty"`
	LocationID *int64            `json:"locationId,omitempty"`
	Key        string            `json:"key,omitempty"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Subject    *Subject          `json:"subject,omitempty"`
}

type eventPlan struct {
	scopes []scope
	// internalUser is the ref to match against detail metadata, when set.
	internalUser string
}

var eventTypes = map[string]bool{
	models.EventCreate:     true,
	models.EventUpdate:     true,
	models.EventDeactivate: true,
}

func planEvents(f AuditFilter) (*eventPlan, error) {
	plan := &eventPlan{}

	start, end, err := dateRange(f.From, f.To)
	if err != nil {
		return nil, err
	}
	if start != nil {
		plan.scopes = append(plan.scopes, where("audit_events.created_at >= ?", *start))
	}
	if end != nil {
		plan.scopes = append(plan.scopes, where("audit_events.created_at < ?", *end))
	}

	if t := strings.ToUpper(strings.TrimSpace(f.EventType)); t != "" {
		if !eventTypes[t] {
			return nil, apperr.Invalid("event_type", "must be CREATE, UPDATE or DEACTIVATE")
		}
		plan.scopes = append(plan.scopes, where("audit_events.event_type = ?", t))
	}

	ids, err := idFilters(map[string]string{
		"actor_id":    "audit_events.actor_user_id",
		"resource_id": "audit_events.resource_id",
		"category_id": "audit_events.category_id",
		"location_id": "audit_events.location_id",
		"loan_id":     "audit_events.loan_id",
	}, map[string]string{
		"actor_id":    f.ActorID,
		"resource_id": f.ResourceID,
		"category_id": f.CategoryID,
		"location_id": f.LocationID,
		"loan_id":     f.LoanID,
	})
	if err != nil {
		return nil, err
	}
	plan.scopes = append(plan.scopes, ids...)

	borrower, ok, err := parseBorrower("borrower_id", f.BorrowerID)
	if err != nil {
		return nil, err
	}
	if ok {
		plan.scopes = append(plan.scopes, where("audit_events.borrower_id = ?", borrower))
	}

	kind, ref, err := refType(f.RefType, f.Ref)
	if err != nil {
		return nil, err
	}
	switch kind {
	case RefResource:
		if isDigits(ref) {
			id, _, err := parseID("ref", ref)
			if err != nil {
				return nil, err
			}
			plan.scopes = append(plan.scopes, where("audit_events.resource_id = ?", id))
		} else {
			plan.scopes = append(plan.scopes, where(
				"audit_events.resource_id IN (SELECT id FROM resources WHERE LOWER(name) LIKE ?)", contains(ref)))
		}
	case RefCategory, RefLocation:
		s, err := groupRef(kind, ref)
		if err != nil {
			return nil, err
		}
		plan.scopes = append(plan.scopes, s)
	case RefBorrower:
		plan.scopes = append(plan.scopes, borrowerRef("audit_events.borrower_id", ref, func(pattern string) scope {
			return where("audit_events.borrower_id IN (SELECT id FROM borrowers WHERE LOWER(name) LIKE ?)", pattern)
		}))
	case RefLoan:
		if !isDigits(ref) {
			return nil, apperr.Invalid("ref", "loan references must be numeric")
		}
		id, _, err := parseID("ref", ref)
		if err != nil {
			return nil, err
		}
		plan.scopes = append(plan.scopes, where("audit_events.loan_id = ?", id))
	case RefInternalUser:
		plan.internalUser = ref
		plan.scopes = append(plan.scopes, where(
			"(audit_events.detail LIKE ? OR audit_events.detail LIKE ? OR audit_events.detail LIKE ?)",
			"%target_type="+auditcodec.TargetInternalUser+"%", "%affected_user_id=%", "%created_user_id=%"))
	}
	return plan, nil
}

// groupRef matches events on a category or location directly, or through the
// resource the event references.
func groupRef(kind, ref string) (scope, error) {
	table, column := "categories", "category_id"
	if kind == RefLocation {
		table, column = "locations", "location_id"
	}
	if isDigits(ref) {
		id, _, err := parseID("ref", ref)
		if err != nil {
			return nil, err
		}
		return where("(audit_events."+column+" = ? OR audit_events.resource_id IN (SELECT id FROM resources WHERE "+column+" = ?))", id, id), nil
	}
	pattern := contains(ref)
	return where("(audit_events."+column+" IN (SELECT id FROM "+table+" WHERE LOWER(name) LIKE ?)"+
		" OR audit_events.resource_id IN (SELECT resources.id FROM resources JOIN "+table+
		" ON "+table+".id = resources."+column+" WHERE LOWER("+table+".name) LIKE ?))", pattern, pattern), nil
}

// ListAuditEvents returns one page of audit events sorted by time, newest
// first unless sortDir is "asc". Ties are broken by id descending.
func (e *Engine) ListAuditEvents(ctx context.Context, f AuditFilter, page, limit int, sortDir string) (*Page[EventRow], error) {
	ctx, span := e.tracer.Start(ctx, "auditquery.list_events",
		trace.WithAttributes(attribute.String("filter.ref_type", f.RefType)))
	defer span.End()

	dir, err := direction(sortDir)
	if err != nil {
		return nil, err
	}
	plan, err := planEvents(f)
	if err != nil {
		return nil, err
	}
	page, limit = bounds(page, limit, defaultEventLimit, maxEventLimit)

	base := func() *gorm.DB {
		return e.db.WithContext(ctx).Model(&models.AuditEvent{}).Scopes(plan.scopes...).
			Order("audit_events.created_at " + dir).Order("audit_events.id DESC")
	}

	var events []models.AuditEvent
	var total int64
	if plan.internalUser == "" {
		if err := base().Count(&total).Error; err != nil {
			return nil, internal("list audit events", err)
		}
		if err := base().Offset((page - 1) * limit).Limit(limit).Find(&events).Error; err != nil {
			return nil, internal("list audit events", err)
		}
	} else {
		var candidates []models.AuditEvent
		if err := base().Find(&candidates).Error; err != nil {
			return nil, internal("list audit events", err)
		}
		matched, err := e.matchInternalUser(ctx, candidates, plan.internalUser)
		if err != nil {
			return nil, internal("list audit events", err)
		}
		total = int64(len(matched))
		events = paginate(matched, page, limit)
	}

	rows, err := e.resolveEvents(ctx, events)
	if err != nil {
		return nil, internal("resolve audit subjects", err)
	}
	span.SetAttributes(attribute.Int64("result.total", total))
	return &Page[EventRow]{Page: page, Limit: limit, Total: total, Rows: rows}, nil
}

// matchInternalUser keeps events whose metadata names an internal user
// matching ref, by id when ref is numeric and by name otherwise. Names are
// matched against the metadata and against the user's current name.
func (e *Engine) matchInternalUser(ctx context.Context, events []models.AuditEvent, ref string) ([]models.AuditEvent, error) {
	var wantID int64
	var current map[int64]bool
	byID := isDigits(ref)
	if byID {
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return []models.AuditEvent{}, nil
		}
		wantID = id
	} else {
		var ids []int64
		err := e.db.WithContext(ctx).Model(&models.InternalUser{}).
			Where("LOWER(name) LIKE ?", contains(ref)).Pluck("id", &ids).Error
		if err != nil {
			return nil, err
		}
		current = make(map[int64]bool, len(ids))
		for _, id := range ids {
			current[id] = true
		}
	}

	needle := strings.ToLower(ref)
	matched := make([]models.AuditEvent, 0)
	for _, ev := range events {
		user, ok := auditcodec.AffectedUser(auditcodec.Decode(ev.Detail).Fields)
		if !ok {
			continue
		}
		if byID {
			if user.ID == wantID {
				matched = append(matched, ev)
			}
			continue
		}
		if current[user.ID] || (user.Name != "" && strings.Contains(strings.ToLower(user.Name), needle)) {
			matched = append(matched, ev)
		}
	}
	return matched, nil
}

// resolveEvents decodes details and attaches actor names and subjects,
// loading names with one query per referenced table.
func (e *Engine) resolveEvents(ctx context.Context, events []models.AuditEvent) ([]EventRow, error) {
	resources := map[int64]struct{}{}
	categories := map[int64]struct{}{}
	locations := map[int64]struct{}{}
	loans := map[int64]struct{}{}
	users := map[int64]struct{}{}
	borrowers := map[string]struct{}{}

	details := make([]auditcodec.Detail, len(events))
	for i, ev := range events {
		details[i] = auditcodec.Decode(ev.Detail)
		if ev.ActorUserID != nil {
			users[*ev.ActorUserID] = struct{}{}
		}
		switch {
		case ev.ResourceID != nil:
			resources[*ev.ResourceID] = struct{}{}
		case ev.CategoryID != nil:
			categories[*ev.CategoryID] = struct{}{}
		case ev.LocationID != nil:
			locations[*ev.LocationID] = struct{}{}
		case ev.BorrowerID != nil:
			borrowers[*ev.BorrowerID] = struct{}{}
		case ev.LoanID != nil:
			loans[*ev.LoanID] = struct{}{}
		default:
			if u, ok := auditcodec.AffectedUser(details[i].Fields); ok && u.Name == "" {
				users[u.ID] = struct{}{}
			}
		}
	}

	db := e.db.WithContext(ctx)
	resourceNames, err := lookup(db.Table("resources").Select("id, name"), "id", resources)
	if err != nil {
		return nil, err
	}
	categoryNames, err := lookup(db.Table("categories").Select("id, name"), "id", categories)
	if err != nil {
		return nil, err
	}
	locationNames, err := lookup(db.Table("locations").Select("id, name"), "id", locations)
	if err != nil {
		return nil, err
	}
	borrowerNames, err := lookup(db.Table("borrowers").Select("id, name"), "id", borrowers)
	if err != nil {
		return nil, err
	}
	loanNames, err := lookup(db.Table("loans").Select("loans.id AS id, resources.name AS name").
		Joins("JOIN resources ON resources.id = loans.resource_id"), "loans.id", loans)
	if err != nil {
		return nil, err
	}
	userNames, err := lookup(db.Table("internal_users").Select("id, name"), "id", users)
	if err != nil {
		return nil, err
	}

	rows := make([]EventRow, len(events))
	for i, ev := range events {
		d := details[i]
		row := EventRow{
			ID:         ev.ID,
			EventType:  ev.EventType,
			CreatedAt:  ev.CreatedAt,
			ActorID:    ev.ActorUserID,
			BorrowerID: ev.BorrowerID,
			ResourceID: ev.ResourceID,
			LoanID:     ev.LoanID,
			CategoryID: ev.CategoryID,
			LocationID: ev.LocationID,
			Key:        d.Key,
			Message:    auditcodec.Describe(d),
		}
		if len(d.Fields) > 0 {
			row.Metadata = d.Fields
		}
		if ev.ActorUserID != nil {
			row.ActorName = userNames[*ev.ActorUserID]
		}

		switch {
		case ev.ResourceID != nil:
			row.Subject = &Subject{RefResource, strconv.FormatInt(*ev.ResourceID, 10), resourceNames[*ev.ResourceID]}
		case ev.CategoryID != nil:
			row.Subject = &Subject{RefCategory, strconv.FormatInt(*ev.CategoryID, 10), categoryNames[*ev.CategoryID]}
		case ev.LocationID != nil:
			row.Subject = &Subject{RefLocation, strconv.FormatInt(*ev.LocationID, 10), locationNames[*ev.LocationID]}
		case ev.BorrowerID != nil:
			row.Subject = &Subject{RefBorrower, *ev.BorrowerID, borrowerNames[*ev.BorrowerID]}
		case ev.LoanID != nil:
			row.Subject = &Subject{RefLoan, strconv.FormatInt(*ev.LoanID, 10), loanNames[*ev.LoanID]}
		default:
			if u, ok := auditcodec.AffectedUser(d.Fields); ok {
				name := u.Name
				if name == "" {
					name = userNames[u.ID]
				}
				row.Subject = &Subject{RefInternalUser, strconv.FormatInt(u.ID, 10), name}
			}
		}
		rows[i] = row
	}
	return rows, nil
}
