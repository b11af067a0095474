package domain

import "time"

// RoleStandardUser is the provider role the eviction engine is allowed to
// touch. Owners and admins are never enumerated as evictable.
const RoleStandardUser = "standard-user"

// Member is a workspace member as reported by the provider. Members are
// transient: fetched per cycle, never persisted.
type Member struct {
	ID            string
	AccountUserID string
	Email         string
	Name          string
	Role          string
	JoinedAt      time.Time
	SCIMManaged   bool
}

// IsStandardUser reports whether the member holds the provider's standard
// role and is therefore eligible for eviction consideration.
func (m Member) IsStandardUser() bool {
	return normalizeRaw(m.Role) == RoleStandardUser
}

// Invite is a pending workspace invitation as reported by the provider.
type Invite struct {
	ID          string
	Email       string
	Role        string
	CreatedAt   time.Time
	SCIMManaged bool
}

// MemberPage is one page of the provider's member listing. Total covers the
// whole workspace, not just this page.
type MemberPage struct {
	Total   int
	Limit   int
	Offset  int
	Members []Member
}

// InvitePage is one page of the provider's invite listing.
type InvitePage struct {
	Total   int
	Limit   int
	Offset  int
	Invites []Invite
}

// Workspace is one team workspace attached to an access token, as returned
// by the provider's account check endpoint.
type Workspace struct {
	RemoteAccountID       string
	Name                  string
	OwnerEmail            string
	PlanType              string
	ExpiresAt             string
	HasActiveSubscription bool
	IsDemoted             bool
}
