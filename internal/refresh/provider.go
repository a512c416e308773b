package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// ProviderRefresher refreshes directly against the OAuth provider's token
// endpoint with the instance's stored client credentials. This is the
// fallback path when the shared refresh service is unavailable.
type ProviderRefresher struct{}

func (ProviderRefresher) Refresh(ctx context.Context, cred store.Credential) (store.Credential, error) {
	if cred.RefreshToken == "" {
		return store.Credential{}, grantErr(errors.New("no refresh token on record"))
	}
	if cred.TokenURL == "" {
		return store.Credential{}, providerErr(errors.New("no token endpoint on record"))
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cred.TokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return store.Credential{}, classifyOAuthErr(err)
	}
	out := cred
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	out.ExpiresAt = tok.Expiry
	return out, nil
}

func classifyOAuthErr(err error) *Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || strings.Contains(string(re.Body), "invalid_grant") {
			return grantErr(err)
		}
		if re.Response != nil && re.Response.StatusCode < 500 {
			return providerErr(fmt.Errorf("token endpoint rejected refresh: %w", err))
		}
	}
	return netErr(err)
}
