package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// ServiceClient calls the shared refresh service, the preferred refresh path.
// The service owns provider app registrations centrally, so workers do not
// need per-tenant client secrets when it is available.
type ServiceClient struct {
	client *http.Client
	base   string
}

func NewServiceClient(baseURL string, timeout time.Duration) *ServiceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ServiceClient{
		client: &http.Client{Timeout: timeout},
		base:   strings.TrimRight(baseURL, "/"),
	}
}

type serviceRequest struct {
	InstanceID   string `json:"instance_id"`
	ServiceType  string `json:"service_type"`
	RefreshToken string `json:"refresh_token"`
}

type serviceResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error,omitempty"`
}

// Refresh exchanges the stored refresh token for fresh token material.
func (s *ServiceClient) Refresh(ctx context.Context, cred store.Credential) (store.Credential, error) {
	body, _ := json.Marshal(serviceRequest{
		InstanceID:   cred.InstanceID,
		ServiceType:  cred.ServiceType,
		RefreshToken: cred.RefreshToken,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/refresh", bytes.NewReader(body))
	if err != nil {
		return store.Credential{}, netErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return store.Credential{}, netErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	var sr serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return store.Credential{}, netErr(fmt.Errorf("decode refresh response: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || sr.Error == "invalid_grant":
		return store.Credential{}, grantErr(fmt.Errorf("refresh service: %s", orStatus(sr.Error, resp.StatusCode)))
	case resp.StatusCode >= 500:
		return store.Credential{}, netErr(fmt.Errorf("refresh service status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return store.Credential{}, providerErr(fmt.Errorf("refresh service: %s", orStatus(sr.Error, resp.StatusCode)))
	}

	out := cred
	out.AccessToken = sr.AccessToken
	if sr.RefreshToken != "" {
		out.RefreshToken = sr.RefreshToken
	}
	if sr.ExpiresIn > 0 {
		out.ExpiresAt = time.Now().Add(time.Duration(sr.ExpiresIn) * time.Second)
	}
	return out, nil
}

func orStatus(errStr string, code int) string {
	if errStr != "" {
		return errStr
	}
	return fmt.Sprintf("status %d", code)
}
