package refresh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func providerCred(tokenURL string) store.Credential {
	return store.Credential{
		InstanceID:   "inst-1",
		ServiceType:  "github",
		RefreshToken: "rt-old",
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
	}
}

func TestProviderRefreshSuccess(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"Bearer","expires_in":3600}`))
	})

	out, err := ProviderRefresher{}.Refresh(context.Background(), providerCred(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "at-new", out.AccessToken)
	assert.Equal(t, "rt-new", out.RefreshToken)
	assert.False(t, out.ExpiresAt.IsZero())
}

func TestProviderRefreshInvalidGrant(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	_, err := ProviderRefresher{}.Refresh(context.Background(), providerCred(srv.URL))
	require.Error(t, err)
	assert.Equal(t, KindInvalidGrant, Classify(err))
}

func TestProviderRefreshServerErrorIsNetwork(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := ProviderRefresher{}.Refresh(context.Background(), providerCred(srv.URL))
	require.Error(t, err)
	assert.Equal(t, KindNetwork, Classify(err))
}

func TestProviderRefreshRequiresMaterial(t *testing.T) {
	_, err := ProviderRefresher{}.Refresh(context.Background(), store.Credential{TokenURL: "https://x"})
	require.Error(t, err)
	assert.Equal(t, KindInvalidGrant, Classify(err))

	_, err = ProviderRefresher{}.Refresh(context.Background(), store.Credential{RefreshToken: "rt"})
	require.Error(t, err)
	assert.Equal(t, KindProviderRejected, Classify(err))
}
