package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/poplovexz/qiyewenjian-approvals/internal/apperrors"
	"github.com/poplovexz/qiyewenjian-approvals/internal/engine"
)

// DirectoryClient talks to the platform user directory. It implements
// engine.Directory; lookups are read-only and happen outside any engine
// transaction.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// usersResponse is the directory's wire shape for user listings.
type usersResponse struct {
	Users []engine.DirectoryUser `json:"users"`
}

// UsersByRole returns every user holding a role, active or not; the resolver
// does its own filtering.
func (c *DirectoryClient) UsersByRole(ctx context.Context, roleCode string) ([]engine.DirectoryUser, error) {
	path := "/api/v1/users?role_code=" + url.QueryEscape(roleCode)

	var resp usersResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("list users by role %q: %w", roleCode, err)
	}
	return resp.Users, nil
}

// UserByID returns a single user, or nil when the directory has no record.
func (c *DirectoryClient) UserByID(ctx context.Context, userID string) (*engine.DirectoryUser, error) {
	path := "/api/v1/users/get?id=" + url.QueryEscape(userID)

	var user engine.DirectoryUser
	if err := c.get(ctx, path, &user); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %q: %w", userID, err)
	}
	return &user, nil
}

// get performs a JSON GET against the directory service.
func (c *DirectoryClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrCodeNotFound, "directory resource not found")
	case resp.StatusCode >= 400:
		return apperrors.Newf(apperrors.ErrCodeInternal, "directory returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
