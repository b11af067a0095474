package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/openseats/warden/internal/warden/proxy"
)

type fakeBanMarker struct {
	bannedID int64
	calls    int
}

func (f *fakeBanMarker) MarkBanned(_ context.Context, accountID int64) error {
	f.bannedID = accountID
	f.calls++
	return nil
}

func newTestProvider(t *testing.T, handler http.Handler, bans BanMarker) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(nil, nil, WithRateLimit(rate.NewLimiter(rate.Inf, 0)))
	return NewProvider(client, bans, nil,
		WithBaseURL(server.URL),
		WithTokenURL(server.URL+"/oauth/token"),
	)
}

func TestClassifyAccountDeactivated(t *testing.T) {
	bans := &fakeBanMarker{}
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"account_deactivated","message":"gone"}}`))
	}), bans)

	cred := Credentials{AccountID: 42, RemoteAccountID: "acct_x", AccessToken: "tok"}
	_, err := p.ListMembers(context.Background(), cred, 0, 0, proxy.Direct())

	// Deactivation flags the account banned, then surfaces as a 401.
	require.Equal(t, 1, bans.calls)
	require.Equal(t, int64(42), bans.bannedID)
	require.True(t, IsUnauthorized(err))
	require.Equal(t, CodeAccountDeactivated, CodeOf(err))
}

func TestClassifyWorkspaceExpired(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"deactivated_workspace","message":"expired"}}`))
	}), nil)

	_, err := p.ListMembers(context.Background(), Credentials{RemoteAccountID: "acct_x"}, 0, 0, proxy.Direct())
	require.True(t, IsWorkspaceExpired(err))
	require.Equal(t, http.StatusPaymentRequired, StatusOf(err))
}

func TestClassifyStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		name       string
		status     int
		wantStatus int
		retriable  bool
	}{
		{"unauthorized", http.StatusUnauthorized, http.StatusUnauthorized, false},
		{"not found", http.StatusNotFound, http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, http.StatusBadGateway, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}), nil)

			_, err := p.ListMembers(context.Background(), Credentials{RemoteAccountID: "a"}, 0, 0, proxy.Direct())
			require.Equal(t, tc.wantStatus, StatusOf(err))
			require.Equal(t, tc.retriable, IsRetriable(err))
		})
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	client := NewClient(nil, nil, WithRateLimit(rate.NewLimiter(rate.Inf, 0)))
	p := NewProvider(client, nil, nil, WithBaseURL("http://127.0.0.1:1"))

	_, err := p.ListMembers(context.Background(), Credentials{RemoteAccountID: "a"}, 0, 0, proxy.Direct())
	require.True(t, IsRetriable(err))
	require.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
}

func TestListMembers(t *testing.T) {
	var gotPath, gotQuery, gotAccountHeader string
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAccountHeader = r.Header.Get("Chatgpt-Account-Id")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id": "user-abc", "account_user_id": "au-1",
					"email": "a@x.test", "role": "standard-user",
					"created_time": "2025-06-01T10:00:00.000Z",
				},
			},
			"total": 7, "limit": 100, "offset": 0,
		})
	}), nil)

	page, err := p.ListMembers(context.Background(),
		Credentials{RemoteAccountID: "acct_1", AccessToken: "tok"},
		100, 0, proxy.Direct())
	require.NoError(t, err)

	require.Equal(t, "/accounts/acct_1/users", gotPath)
	require.Equal(t, "limit=100&offset=0", gotQuery)
	require.Equal(t, "acct_1", gotAccountHeader)
	require.Equal(t, 7, page.Total)
	require.Len(t, page.Members, 1)
	require.Equal(t, "user-abc", page.Members[0].ID)
	require.True(t, page.Members[0].IsStandardUser())
	require.Equal(t, 2025, page.Members[0].JoinedAt.Year())
}

func TestDeleteMemberPrefixesBareID(t *testing.T) {
	var gotPath string
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}), nil)

	cred := Credentials{RemoteAccountID: "acct_1"}
	require.NoError(t, p.DeleteMember(context.Background(), cred, "abc123", proxy.Direct()))
	require.Equal(t, "/accounts/acct_1/users/user-abc123", gotPath)

	// Already-prefixed ids pass through untouched.
	require.NoError(t, p.DeleteMember(context.Background(), cred, "user-xyz", proxy.Direct()))
	require.Equal(t, "/accounts/acct_1/users/user-xyz", gotPath)
}

func TestSendInviteRefusedAtCapacity(t *testing.T) {
	called := false
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}), nil)

	// 4 joined + 1 invited fills all 5 seats: no provider call happens.
	err := p.SendInvite(context.Background(), Credentials{RemoteAccountID: "a"}, "x@y.test", 4, 1, proxy.Direct())
	require.Equal(t, "no_available_seat", CodeOf(err))
	require.False(t, called)
}

func TestRefreshCredential(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    864000,
		})
	}), nil)

	pair, err := p.RefreshCredential(context.Background(), "old-refresh", proxy.Direct())
	require.NoError(t, err)
	require.Equal(t, "new-access", pair.AccessToken)
	require.Equal(t, "new-refresh", pair.RefreshToken)
	require.Equal(t, 864000, pair.ExpiresIn)
}

func TestRefreshCredentialFailures(t *testing.T) {
	t.Run("empty refresh token short-circuits", func(t *testing.T) {
		p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			t.Fatal("no request expected")
		}), nil)
		_, err := p.RefreshCredential(context.Background(), "  ", proxy.Direct())
		require.Equal(t, "no_refresh_token", CodeOf(err))
	})

	t.Run("rejected grant maps to 401 with upstream status", func(t *testing.T) {
		p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":"invalid_grant","message":"revoked"}}`))
		}), nil)

		_, err := p.RefreshCredential(context.Background(), "revoked", proxy.Direct())
		require.True(t, IsUnauthorized(err))

		var typed *Error
		require.ErrorAs(t, err, &typed)
		require.Equal(t, http.StatusForbidden, typed.UpstreamStatus)
	})
}

func TestCheckAccountFiltersTeamPlans(t *testing.T) {
	token := unsignedJWT(t, map[string]any{
		"https://api.openai.com/profile": map[string]any{"email": "owner@pool.test"},
	})

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": map[string]any{
				"a1": map[string]any{
					"account": map[string]any{
						"account_id": "acct_team", "name": "Pool A", "plan_type": "team",
					},
					"entitlement": map[string]any{
						"has_active_subscription": true,
						"expires_at":              "2026-01-01T00:00:00Z",
					},
				},
				"a2": map[string]any{
					"account": map[string]any{
						"account_id": "acct_plus", "plan_type": "plus",
					},
				},
			},
		})
	}), nil)

	workspaces, err := p.CheckAccount(context.Background(), token, proxy.Direct())
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	require.Equal(t, "acct_team", workspaces[0].RemoteAccountID)

	// Missing profile_email falls back to the token's email claim.
	require.Equal(t, "owner@pool.test", workspaces[0].OwnerEmail)
	require.True(t, workspaces[0].HasActiveSubscription)
}

// unsignedJWT builds a syntactically valid JWT carrying the given claims.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	encode := func(v any) string {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	header := encode(map[string]string{"alg": "none", "typ": "JWT"})
	return header + "." + encode(claims) + ".x"
}
