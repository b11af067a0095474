package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/openseats/warden/internal/warden/domain"
	"github.com/openseats/warden/internal/warden/store"
	"github.com/openseats/warden/internal/warden/store/drivers/sqlite"
	"github.com/openseats/warden/internal/warden/upstream"
)

// fakeMember is one member row in the fake provider's workspace state.
type fakeMember struct {
	ID     string
	Email  string
	Role   string
	Joined time.Time
}

// fakeUpstream simulates the provider: a mutable member list, an invite
// total, a rotating credential pair, and per-member forced delete statuses.
type fakeUpstream struct {
	mu           sync.Mutex
	validToken   string
	refreshToken string
	rotation     int

	members      []fakeMember
	inviteTotal  int
	deleteStatus map[string]int

	deleted      []string
	listCalls    int
	deleteCalls  int
	refreshCalls int
	respawned    int

	refuseRefresh   bool
	alwaysReject    bool
	failListTimes   int
	deleteFailTimes map[string]int
	respawnOnDelete bool
	onDelete        func(memberID string)

	server *httptest.Server
}

func newFakeUpstream(t *testing.T, members ...fakeMember) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		validToken:      "access-0",
		refreshToken:    "refresh-0",
		members:         members,
		deleteStatus:    map[string]int{},
		deleteFailTimes: map[string]int{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/oauth/token" {
		f.refreshCalls++
		_ = r.ParseForm()
		if f.refuseRefresh || r.PostForm.Get("refresh_token") != f.refreshToken {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":"invalid_grant","message":"revoked"}}`))
			return
		}
		f.rotation++
		f.validToken = fmt.Sprintf("access-%d", f.rotation)
		f.refreshToken = fmt.Sprintf("refresh-%d", f.rotation)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  f.validToken,
			"refresh_token": f.refreshToken,
			"expires_in":    864000,
		})
		return
	}

	if f.alwaysReject || r.Header.Get("Authorization") != "Bearer "+f.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid token"}}`))
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/users"):
		f.listCalls++
		if f.failListTimes > 0 {
			f.failListTimes--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.writeMemberPage(w, r)

	case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/users/"):
		f.deleteCalls++
		memberID := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if f.onDelete != nil {
			f.onDelete(memberID)
		}
		if f.deleteFailTimes[memberID] > 0 {
			f.deleteFailTimes[memberID]--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if status, ok := f.deleteStatus[memberID]; ok {
			if status == http.StatusNotFound {
				// Simulate a member removed out-of-band between the listing
				// and the delete: gone from subsequent listings too.
				f.removeLocked(memberID)
			}
			w.WriteHeader(status)
			return
		}
		for i, m := range f.members {
			if m.ID == memberID {
				f.members = append(f.members[:i], f.members[i+1:]...)
				f.deleted = append(f.deleted, memberID)
				if f.respawnOnDelete {
					// Someone grabs the freed seat before the next listing,
					// so the workspace never drops below its old size.
					f.respawned++
					f.members = append(f.members, fakeMember{
						ID:     fmt.Sprintf("user-r%d", f.respawned),
						Email:  fmt.Sprintf("r%d@seats.test", f.respawned),
						Role:   domain.RoleStandardUser,
						Joined: time.Now().UTC(),
					})
				}
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	case strings.HasSuffix(r.URL.Path, "/invites"):
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{
				"items": []any{}, "total": f.inviteTotal, "limit": 1, "offset": 0,
			})
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeUpstream) writeMemberPage(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 25
	}

	var items []map[string]any
	for i := offset; i < len(f.members) && len(items) < limit; i++ {
		m := f.members[i]
		items = append(items, map[string]any{
			"id":           m.ID,
			"email":        m.Email,
			"role":         m.Role,
			"created_time": m.Joined.Format(time.RFC3339),
		})
	}
	json.NewEncoder(w).Encode(map[string]any{
		"items": items, "total": len(f.members), "limit": limit, "offset": offset,
	})
}

func (f *fakeUpstream) removeLocked(memberID string) {
	for i, m := range f.members {
		if m.ID == memberID {
			f.members = append(f.members[:i], f.members[i+1:]...)
			return
		}
	}
}

func (f *fakeUpstream) deletedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeUpstream) memberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}

// harness bundles a sqlite-backed store, one provisioned account, and the
// services wired against the fake provider.
type harness struct {
	store     store.Store
	sync      *SyncService
	capacity  *CapacityService
	recorder  *Recorder
	accountID int64
}

func newHarness(t *testing.T, f *fakeUpstream) *harness {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "warden_test.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	st, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	accountID, err := st.Accounts().CreateAccount(context.Background(), domain.Account{
		Email:           "pool1@seats.test",
		RemoteAccountID: "acct_1",
		AccessToken:     "access-0",
		RefreshToken:    "refresh-0",
		IsOpen:          true,
	})
	require.NoError(t, err)

	client := upstream.NewClient(nil, nil, upstream.WithRateLimit(rate.NewLimiter(rate.Inf, 0)))
	provider := upstream.NewProvider(client, st.Accounts(), nil,
		upstream.WithBaseURL(f.server.URL),
		upstream.WithTokenURL(f.server.URL+"/oauth/token"),
	)

	syncSvc := NewSyncService(st, provider, nil)
	return &harness{
		store:     st,
		sync:      syncSvc,
		capacity:  NewCapacityService(st, syncSvc, nil),
		recorder:  NewRecorder(st, nil),
		accountID: accountID,
	}
}

// standardMembers builds n standard-role members joined one minute apart,
// ids user-m1..user-mN, oldest first.
func standardMembers(n int) []fakeMember {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	members := make([]fakeMember, 0, n)
	for i := 1; i <= n; i++ {
		members = append(members, fakeMember{
			ID:     fmt.Sprintf("user-m%d", i),
			Email:  fmt.Sprintf("u%d@seats.test", i),
			Role:   domain.RoleStandardUser,
			Joined: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return members
}
