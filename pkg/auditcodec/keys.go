package auditcodec

import (
	"sort"
	"strconv"
	"strings"
)

// Keys written by the loan engine.
const (
	KeyLoanCreated        = "audits.assets.loanCreated"
	KeyLoanReturned       = "audits.assets.loanReturned"
	KeyLoanNotesUpdated   = "audits.assets.loanNotesUpdated"
	KeyReputationUpdated  = "audits.borrowers.reputationUpdated"
	KeyInternalUserCreate = "audits.users.created"
	KeyInternalUserUpdate = "audits.users.updated"
)

// TargetInternalUser is the target_type value naming an internal user.
const TargetInternalUser = "usuario_interno"

var messages = map[string]string{
	KeyLoanCreated:        "Loan #{loan_id} created: {resource_name} lent to {borrower_name} ({borrower_id}), due {due_at}",
	KeyLoanReturned:       "Loan #{loan_id} returned: {resource_name} from {borrower_id}, {overdue_days} day(s) overdue",
	KeyLoanNotesUpdated:   "Loan #{loan_id} notes updated",
	KeyReputationUpdated:  "Reputation of {borrower_id} changed from {previous} to {current} ({delta})",
	KeyInternalUserCreate: "Internal user {target_name} created",
	KeyInternalUserUpdate: "Internal user {target_name} updated",
}

// Describe renders a human-readable message. Legacy text is shown as-is
// unless it happens to be a bare known key.
func Describe(d Detail) string {
	if d.Legacy() {
		if tmpl, ok := messages[d.Text]; ok {
			return expand(tmpl, nil)
		}
		return d.Text
	}
	if tmpl, ok := messages[d.Key]; ok {
		return expand(tmpl, d.Fields)
	}
	if len(d.Fields) == 0 {
		return d.Key
	}

	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+d.Fields[name])
	}
	return d.Key + " (" + strings.Join(pairs, ", ") + ")"
}

func expand(tmpl string, fields map[string]string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:open])
		if v := fields[tmpl[open+1:open+end]]; v != "" {
			b.WriteString(v)
		} else {
			b.WriteString("-")
		}
		tmpl = tmpl[open+end+1:]
	}
}

// UserRef identifies an internal user named in an event's metadata.
type UserRef struct {
	ID   int64
	Name string
}

// AffectedUser resolves which internal user an event acted upon.
// The target_type/target_id pair wins; rows written before it existed use
// affected_user_id or created_user_id instead.
func AffectedUser(fields map[string]string) (UserRef, bool) {
	if fields[fieldTargetType] == TargetInternalUser {
		if id, err := strconv.ParseInt(fields[fieldTargetID], 10, 64); err == nil {
			return UserRef{ID: id, Name: firstNonEmpty(fields, fieldTargetName, "affected_user_name", "created_user_name")}, true
		}
	}
	for _, legacy := range []struct{ id, name string }{
		{"affected_user_id", "affected_user_name"},
		{"created_user_id", "created_user_name"},
	} {
		if id, err := strconv.ParseInt(fields[legacy.id], 10, 64); err == nil {
			return UserRef{ID: id, Name: firstNonEmpty(fields, legacy.name, fieldTargetName)}, true
		}
	}
	return UserRef{}, false
}

const (
	fieldTargetType = "target_type"
	fieldTargetID   = "target_id"
	fieldTargetName = "target_name"
)

// TargetUserFields is the metadata shape new events use to name an internal user.
func TargetUserFields(id int64, name string) map[string]string {
	return map[string]string{
		fieldTargetType: TargetInternalUser,
		fieldTargetID:   strconv.FormatInt(id, 10),
		fieldTargetName: name,
	}
}

func firstNonEmpty(fields map[string]string, names ...string) string {
	for _, name := range names {
		if v := fields[name]; v != "" {
			return v
		}
	}
	return ""
}
