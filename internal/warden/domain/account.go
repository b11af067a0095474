package domain

import "time"

// SpaceType classifies what a workspace is used for. Mother spaces are the
// seat source for the pool; child spaces are capacity-bounded and
// redemption-eligible.
type SpaceType string

const (
	SpaceTypeMother SpaceType = "mother"
	SpaceTypeChild  SpaceType = "child"
)

// SpaceStatusCode is the observed health of a workspace as of the last sync.
type SpaceStatusCode string

const (
	SpaceStatusNormal   SpaceStatusCode = "normal"
	SpaceStatusAbnormal SpaceStatusCode = "abnormal"
	SpaceStatusUnknown  SpaceStatusCode = "unknown"
)

// Account is a managed third-party team workspace. The membership counters
// are a best-effort cache: whatever the provider reports is authoritative
// and overwrites them on every sync.
type Account struct {
	ID    int64
	Email string

	// Provider identity and credentials.
	RemoteAccountID string
	DeviceID        string
	AccessToken     string
	RefreshToken    string

	// Cached membership counters.
	UserCount   int
	InviteCount int

	ExpireAt string

	// Status flags.
	IsOpen       bool
	IsDemoted    bool
	IsBanned     bool
	BanProcessed bool

	SpaceType SpaceType
	SortOrder int

	SpaceStatusCode   SpaceStatusCode
	SpaceStatusReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccountRef is the slim shape the sweep worklist enumerates: enough to
// identify the account in logs and reports without loading credentials.
type AccountRef struct {
	ID    int64
	Email string
}

// EmailPrefix returns the local part of the account email, used to label
// accounts in reports without exposing the full address.
func (r AccountRef) EmailPrefix() string {
	for i := 0; i < len(r.Email); i++ {
		if r.Email[i] == '@' {
			return r.Email[:i]
		}
	}
	return r.Email
}

// TokenPair is the credential set returned by the provider's refresh grant.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int
}
