package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openseats/warden/internal/warden/domain"
	"github.com/openseats/warden/internal/warden/proxy"
)

const (
	// DefaultBaseURL is the provider's backend API root.
	DefaultBaseURL = "https://chatgpt.com/backend-api"
	// DefaultTokenURL is the OAuth token endpoint used by the refresh grant.
	DefaultTokenURL = "https://auth.openai.com/oauth/token"
	// DefaultOAuthClientID is the public client id the refresh grant is
	// issued under.
	DefaultOAuthClientID = "pdlLIX2Y72MIl2rhLhTE9VV9bN905kBh"

	// DefaultPageLimit is the page size used when the caller passes zero.
	DefaultPageLimit = 25
	// MaxPageLimit caps one listing page.
	MaxPageLimit = 100
	// MaxPageOffset caps how deep paging walks; the provider rejects
	// offsets beyond this.
	MaxPageOffset = 2000

	planTypeTeam = "team"
)

// BanMarker flags an account as banned when the provider reports the
// credential's owner was deactivated. Wired to the account store.
type BanMarker interface {
	MarkBanned(ctx context.Context, accountID int64) error
}

// Credentials identifies one managed workspace for provider calls.
type Credentials struct {
	AccountID       int64
	Email           string
	RemoteAccountID string
	DeviceID        string
	AccessToken     string
}

// Provider wraps the raw client with the workspace-management operations
// and the provider's error-body classification.
type Provider struct {
	client *Client
	logger *slog.Logger

	baseURL  string
	tokenURL string
	clientID string

	bans BanMarker
}

// ProviderOption customizes a Provider.
type ProviderOption func(*Provider)

// WithBaseURL points the provider at a different API root (tests).
func WithBaseURL(u string) ProviderOption {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithTokenURL points the refresh grant at a different token endpoint.
func WithTokenURL(u string) ProviderOption {
	return func(p *Provider) { p.tokenURL = u }
}

// WithOAuthClientID overrides the refresh grant client id.
func WithOAuthClientID(id string) ProviderOption {
	return func(p *Provider) { p.clientID = id }
}

// NewProvider builds the provider operations layer. bans may be nil, in
// which case deactivation reports are only logged.
func NewProvider(client *Client, bans BanMarker, logger *slog.Logger, opts ...ProviderOption) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		client:   client,
		logger:   logger,
		baseURL:  DefaultBaseURL,
		tokenURL: DefaultTokenURL,
		clientID: DefaultOAuthClientID,
		bans:     bans,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) headers(cred Credentials) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cred.AccessToken)
	h.Set("Content-Type", "application/json")
	if cred.RemoteAccountID != "" {
		h.Set("Chatgpt-Account-Id", cred.RemoteAccountID)
	}
	if cred.DeviceID != "" {
		h.Set("Oai-Device-Id", cred.DeviceID)
	}
	return h
}

// classify turns a non-2xx provider response into a typed error, applying
// the deactivation side effect before raising.
func (p *Provider) classify(ctx context.Context, cred Credentials, resp *Response) error {
	if resp.Status >= 200 && resp.Status < 300 {
		return nil
	}

	code, message := parseErrorBody(resp.Body)

	switch {
	case code == CodeAccountDeactivated:
		if p.bans != nil && cred.AccountID > 0 {
			if err := p.bans.MarkBanned(ctx, cred.AccountID); err != nil {
				p.logger.Error("failed to flag deactivated account",
					"account_id", cred.AccountID, "error", err)
			} else {
				p.logger.Warn("account deactivated by provider, flagged banned",
					"account_id", cred.AccountID, "email", cred.Email)
			}
		}
		return New(http.StatusUnauthorized, CodeAccountDeactivated, "account deactivated")

	case code == CodeWorkspaceExpired:
		return New(http.StatusPaymentRequired, CodeWorkspaceExpired, "workspace subscription expired")

	case resp.Status == http.StatusUnauthorized:
		return New(http.StatusUnauthorized, code, "access token rejected")

	case resp.Status == http.StatusNotFound:
		return New(http.StatusNotFound, code, "resource not found")

	case resp.Status == http.StatusTooManyRequests:
		return New(http.StatusTooManyRequests, code, "rate limited")

	default:
		if message == "" {
			message = "provider request failed"
		}
		return New(resp.Status, code, message)
	}
}

// parseErrorBody digs the provider's error code and message out of the
// handful of body shapes it uses.
func parseErrorBody(body []byte) (code, message string) {
	var envelope struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	if envelope.Error != nil {
		return envelope.Error.Code, envelope.Error.Message
	}
	if len(envelope.Detail) > 0 {
		var detailStr string
		if json.Unmarshal(envelope.Detail, &detailStr) == nil {
			return "", detailStr
		}
		var detailObj struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Detail, &detailObj) == nil {
			return detailObj.Code, detailObj.Message
		}
	}
	return "", ""
}

// CheckAccount resolves the team workspaces attached to an access token.
// Workspaces missing a profile email fall back to the email claim embedded
// in the token itself.
func (p *Provider) CheckAccount(ctx context.Context, accessToken string, pref proxy.Preference) ([]domain.Workspace, error) {
	cred := Credentials{AccessToken: accessToken}
	resp, err := p.client.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    p.baseURL + "/accounts/check/v4-2023-04-27",
		Header: p.headers(cred),
		Proxy:  pref,
	})
	if err != nil {
		return nil, err
	}
	if err := p.classify(ctx, cred, resp); err != nil {
		return nil, err
	}

	var payload struct {
		Accounts map[string]struct {
			Account struct {
				AccountID    string `json:"account_id"`
				Name         string `json:"name"`
				PlanType     string `json:"plan_type"`
				IsDeactivate bool   `json:"is_deactivated"`
				Deactivated  bool   `json:"deactivated"`
				ProfileEmail string `json:"profile_email"`
			} `json:"account"`
			Entitlement struct {
				HasActiveSubscription bool   `json:"has_active_subscription"`
				ExpiresAt             string `json:"expires_at"`
			} `json:"entitlement"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode account check response: %w", err)
	}

	fallbackEmail := emailFromToken(accessToken)

	var workspaces []domain.Workspace
	for _, entry := range payload.Accounts {
		if !strings.EqualFold(entry.Account.PlanType, planTypeTeam) {
			continue
		}
		email := entry.Account.ProfileEmail
		if email == "" {
			email = fallbackEmail
		}
		workspaces = append(workspaces, domain.Workspace{
			RemoteAccountID:       entry.Account.AccountID,
			Name:                  entry.Account.Name,
			OwnerEmail:            email,
			PlanType:              entry.Account.PlanType,
			ExpiresAt:             entry.Entitlement.ExpiresAt,
			HasActiveSubscription: entry.Entitlement.HasActiveSubscription,
			IsDemoted:             entry.Account.IsDeactivate || entry.Account.Deactivated,
		})
	}
	return workspaces, nil
}

// emailFromToken decodes the unverified email claim from an access token.
// The token was already accepted by the provider; we only read a label.
func emailFromToken(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	profile, ok := claims["https://api.openai.com/profile"].(map[string]any)
	if !ok {
		return ""
	}
	email, _ := profile["email"].(string)
	return email
}

// ListMembers fetches one page of workspace members. A zero limit uses the
// default page size; limit and offset are clamped to provider bounds.
func (p *Provider) ListMembers(ctx context.Context, cred Credentials, limit, offset int, pref proxy.Preference) (domain.MemberPage, error) {
	limit, offset = clampPage(limit, offset)

	resp, err := p.client.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/accounts/%s/users?limit=%d&offset=%d", p.baseURL, cred.RemoteAccountID, limit, offset),
		Header: p.headers(cred),
		Proxy:  pref,
	})
	if err != nil {
		return domain.MemberPage{}, err
	}
	if err := p.classify(ctx, cred, resp); err != nil {
		return domain.MemberPage{}, err
	}

	var payload struct {
		Items []struct {
			ID            string `json:"id"`
			AccountUserID string `json:"account_user_id"`
			Email         string `json:"email"`
			Name          string `json:"name"`
			Role          string `json:"role"`
			CreatedTime   string `json:"created_time"`
			IsSCIM        bool   `json:"is_scim_managed"`
		} `json:"items"`
		Total  int `json:"total"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return domain.MemberPage{}, fmt.Errorf("decode member page: %w", err)
	}

	page := domain.MemberPage{Total: payload.Total, Limit: payload.Limit, Offset: payload.Offset}
	for _, item := range payload.Items {
		page.Members = append(page.Members, domain.Member{
			ID:            item.ID,
			AccountUserID: item.AccountUserID,
			Email:         item.Email,
			Name:          item.Name,
			Role:          item.Role,
			JoinedAt:      parseProviderTime(item.CreatedTime),
			SCIMManaged:   item.IsSCIM,
		})
	}
	return page, nil
}

// ListInvites fetches one page of pending invitations.
func (p *Provider) ListInvites(ctx context.Context, cred Credentials, limit, offset int, pref proxy.Preference) (domain.InvitePage, error) {
	limit, offset = clampPage(limit, offset)

	resp, err := p.client.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/accounts/%s/invites?limit=%d&offset=%d", p.baseURL, cred.RemoteAccountID, limit, offset),
		Header: p.headers(cred),
		Proxy:  pref,
	})
	if err != nil {
		return domain.InvitePage{}, err
	}
	if err := p.classify(ctx, cred, resp); err != nil {
		return domain.InvitePage{}, err
	}

	var payload struct {
		Items []struct {
			ID          string `json:"id"`
			Email       string `json:"email_address"`
			Role        string `json:"role"`
			CreatedTime string `json:"created_time"`
			IsSCIM      bool   `json:"is_scim_managed"`
		} `json:"items"`
		Total  int `json:"total"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return domain.InvitePage{}, fmt.Errorf("decode invite page: %w", err)
	}

	page := domain.InvitePage{Total: payload.Total, Limit: payload.Limit, Offset: payload.Offset}
	for _, item := range payload.Items {
		page.Invites = append(page.Invites, domain.Invite{
			ID:          item.ID,
			Email:       item.Email,
			Role:        item.Role,
			CreatedAt:   parseProviderTime(item.CreatedTime),
			SCIMManaged: item.IsSCIM,
		})
	}
	return page, nil
}

// DeleteMember removes one member from the workspace. Bare member ids get
// the provider's "user-" prefix added; already-prefixed ids pass through.
func (p *Provider) DeleteMember(ctx context.Context, cred Credentials, memberID string, pref proxy.Preference) error {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return New(http.StatusBadRequest, "", "empty member id")
	}
	if !strings.HasPrefix(memberID, "user-") {
		memberID = "user-" + memberID
	}

	resp, err := p.client.Do(ctx, Request{
		Method: http.MethodDelete,
		URL:    fmt.Sprintf("%s/accounts/%s/users/%s", p.baseURL, cred.RemoteAccountID, url.PathEscape(memberID)),
		Header: p.headers(cred),
		Proxy:  pref,
	})
	if err != nil {
		return err
	}
	return p.classify(ctx, cred, resp)
}

// DeleteInvite revokes a pending invitation by email address.
func (p *Provider) DeleteInvite(ctx context.Context, cred Credentials, email string, pref proxy.Preference) error {
	body, err := json.Marshal(map[string]string{"email_address": email})
	if err != nil {
		return err
	}

	resp, err := p.client.Do(ctx, Request{
		Method: http.MethodDelete,
		URL:    fmt.Sprintf("%s/accounts/%s/invites", p.baseURL, cred.RemoteAccountID),
		Header: p.headers(cred),
		Body:   body,
		Proxy:  pref,
	})
	if err != nil {
		return err
	}
	return p.classify(ctx, cred, resp)
}

// SendInvite invites one email as a standard user. joined and invited are
// the caller's freshest counts; the invite is refused locally when the
// workspace has no free seat, so we never burn a provider call on it.
func (p *Provider) SendInvite(ctx context.Context, cred Credentials, email string, joined, invited int, pref proxy.Preference) error {
	if !domain.HasAvailableSeat(joined, invited, domain.SeatLimit) {
		return New(http.StatusConflict, "no_available_seat", "workspace is at capacity")
	}

	body, err := json.Marshal(map[string]any{
		"email_addresses": []string{email},
		"role":            domain.RoleStandardUser,
		"resend_emails":   true,
	})
	if err != nil {
		return err
	}

	resp, err := p.client.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/accounts/%s/invites", p.baseURL, cred.RemoteAccountID),
		Header: p.headers(cred),
		Body:   body,
		Proxy:  pref,
	})
	if err != nil {
		return err
	}
	return p.classify(ctx, cred, resp)
}

// RefreshCredential exchanges a refresh token for a fresh credential pair
// using the OAuth refresh_token grant.
func (p *Provider) RefreshCredential(ctx context.Context, refreshToken string, pref proxy.Preference) (domain.TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return domain.TokenPair{}, New(http.StatusUnauthorized, "no_refresh_token", "account has no refresh token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", p.clientID)
	form.Set("refresh_token", refreshToken)

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    p.tokenURL,
		Header: header,
		Body:   []byte(form.Encode()),
		Proxy:  pref,
	})
	if err != nil {
		return domain.TokenPair{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		_, message := parseErrorBody(resp.Body)
		if message == "" {
			message = "token refresh rejected"
		}
		return domain.TokenPair{}, &Error{
			Status:         http.StatusUnauthorized,
			Code:           "refresh_failed",
			Message:        message,
			UpstreamStatus: resp.Status,
		}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return domain.TokenPair{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return domain.TokenPair{}, New(http.StatusUnauthorized, "refresh_failed", "token response carried no access token")
	}

	return domain.TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		ExpiresIn:    payload.ExpiresIn,
	}, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset > MaxPageOffset {
		offset = MaxPageOffset
	}
	return limit, offset
}

// parseProviderTime accepts the provider's timestamp renderings: RFC3339
// (with or without fractional seconds) or epoch seconds encoded as JSON
// numbers-as-strings. Unparseable input yields the zero time.
func parseProviderTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	var epoch float64
	if _, err := fmt.Sscanf(raw, "%f", &epoch); err == nil && epoch > 0 {
		return time.Unix(int64(epoch), 0).UTC()
	}
	return time.Time{}
}
