package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/strait/internal/config"
	"go.klb.dev/strait/internal/registry"
)

func TestServices(t *testing.T) {
	reg := registry.New()
	reg.Register("api", "http://127.0.0.1:9000")
	reg.Register("api", "http://127.0.0.1:9001")

	rec := httptest.NewRecorder()
	Handler(reg, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string][]registry.ServiceEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got["api"], 2)
	assert.Equal(t, "http://127.0.0.1:9000", got["api"][0].URL)
}

func TestProviders(t *testing.T) {
	providers := []config.OidcProvider{
		{Name: "corp", IssuerURL: "https://issuer.example.com", Audience: "strait"},
	}

	rec := httptest.NewRecorder()
	Handler(registry.New(), providers).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/providers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got []config.OidcProvider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "corp", got[0].Name)
}

func TestProvidersEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(registry.New(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/providers", nil))
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestUnknownPath(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(registry.New(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
