package lifecycle

import "strings"

// Role is the platform role of a caller. Buyer and seller are per-deal
// relations derived from the deal itself, not roles.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor identifies who is invoking an operation.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor drives system-triggered transitions such as milestone aggregation.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// MinAuditReasonLength is the minimum length of reasons recorded for admin
// overrides and manual trust adjustments.
const MinAuditReasonLength = 10

// ValidAuditReason reports whether reason is long enough to be kept for audit.
func ValidAuditReason(reason string) bool {
	return len([]rune(strings.TrimSpace(reason))) >= MinAuditReasonLength
}
