// Package as is the HTTP client for the external Authorization Service (AS): permission checks, group/conversation
// lookups, and client-credentials token acquisition. No retries happen at this layer; the circuit breaker and
// cache absorb intermittent failure further up the stack.
package as

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config bounds the client's connection pool and timeouts.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	ServiceToken  string
	MaxConnsTotal int
	MaxConnsHost  int
}

// Client talks to the AS over a long-lived connection pool.
type Client struct {
	http *resty.Client
}

// New builds an AS client. The returned client owns its transport's connection pool for the lifetime of the
// process; callers should construct one Client at startup rather than per-call.
func New(cfg Config) *Client {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	client.SetRetryCount(0)

	transport := client.GetClient().Transport
	if t, ok := transport.(*http.Transport); ok {
		t.MaxConnsPerHost = cfg.MaxConnsHost
		t.MaxIdleConns = cfg.MaxConnsTotal
		t.MaxIdleConnsPerHost = cfg.MaxConnsHost
		t.IdleConnTimeout = 5 * time.Minute
		t.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}

	return &Client{http: client}
}

// CheckRequest is the body of a POST /authorization/check call.
type CheckRequest struct {
	OrgID      string `json:"org_id"`
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
	ResourceID string `json:"resource_id,omitempty"`
}

// CheckResponse is the AS's reply to a permission check. The AS always answers 200 with this body even on denial.
type CheckResponse struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// Check performs a single permission check. ServiceToken authenticates the call via a static header; a non-nil
// error means the call itself failed (network, timeout, non-200), which the caller feeds into the circuit breaker.
func (c *Client) Check(ctx context.Context, serviceToken string, req CheckRequest) (*CheckResponse, error) {
	var out CheckResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+serviceToken).
		SetBody(req).
		SetResult(&out).
		Post("/authorization/check")
	if err != nil {
		return nil, fmt.Errorf("authorization check request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("authorization check: unexpected status %d", resp.StatusCode())
	}
	return &out, nil
}

// CheckGroupRequest is the body of a POST /authorization/check-group call.
type CheckGroupRequest struct {
	OrgID      string `json:"org_id"`
	UserID     string `json:"user_id"`
	GroupID    string `json:"group_id"`
	Permission string `json:"permission"`
}

// CheckGroupResponse is the AS's reply to a group-scoped permission check.
type CheckGroupResponse struct {
	Allowed bool `json:"allowed"`
}

// CheckGroup performs a group-scoped permission check.
func (c *Client) CheckGroup(ctx context.Context, serviceToken string, req CheckGroupRequest) (*CheckGroupResponse, error) {
	var out CheckGroupResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+serviceToken).
		SetBody(req).
		SetResult(&out).
		Post("/authorization/check-group")
	if err != nil {
		return nil, fmt.Errorf("authorization check-group request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("authorization check-group: unexpected status %d", resp.StatusCode())
	}
	return &out, nil
}

// Group is the shape returned by GET /groups/{id}: a conversation as the AS understands it.
type Group struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Group fetches a conversation's metadata. Used on the socket upgrade path only.
func (c *Client) Group(ctx context.Context, serviceToken, groupID string) (*Group, error) {
	var out Group
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+serviceToken).
		SetResult(&out).
		Get("/groups/" + groupID)
	if err != nil {
		return nil, fmt.Errorf("group lookup request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("group lookup: unexpected status %d", resp.StatusCode())
	}
	return &out, nil
}

// GroupMember is one entry of GET /groups/{id}/members.
type GroupMember struct {
	UserID string `json:"user_id"`
}

// GroupMembers lists a conversation's member user IDs.
func (c *Client) GroupMembers(ctx context.Context, serviceToken, groupID string) ([]GroupMember, error) {
	var out []GroupMember
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+serviceToken).
		SetResult(&out).
		Get("/groups/" + groupID + "/members")
	if err != nil {
		return nil, fmt.Errorf("group members request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("group members: unexpected status %d", resp.StatusCode())
	}
	return out, nil
}

// TokenResponse is the reply from the client-credentials token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token exchanges client credentials for a service access token.
func (c *Client) Token(ctx context.Context, clientID, clientSecret, scope string) (*TokenResponse, error) {
	var out TokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     clientID,
			"client_secret": clientSecret,
			"scope":         scope,
		}).
		SetResult(&out).
		Post("/oauth/token")
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("token request: unexpected status %d", resp.StatusCode())
	}
	return &out, nil
}
