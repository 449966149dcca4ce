// Package familyaccess issues and checks read-only portal tokens that let
// family members follow a patient's medication schedule.
package familyaccess

import "time"

// Permission is a portal capability.
type Permission string

const (
	PermViewMedications Permission = "view_medications"
	PermViewSchedule    Permission = "view_schedule"
)

var knownPermissions = map[Permission]struct{}{
	PermViewMedications: {},
	PermViewSchedule:    {},
}

// Grant lets one family member read one patient's data until it expires or
// is revoked. Only the token hash is kept.
type Grant struct {
	ID           string
	PatientID    string
	GrantedBy    string
	MemberName   string
	Relationship string
	Permissions  []Permission
	TokenHash    string
	ExpiresAt    *time.Time
	RevokedAt    *time.Time
	CreatedAt    time.Time
}

// Allows reports whether the grant carries p.
func (g Grant) Allows(p Permission) bool {
	for _, have := range g.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Active reports whether the grant is usable at now.
func (g Grant) Active(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}
