package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"
)

const testPolicy string = `
package example.authz

default allow = false

allow = {"access": access} {
	input.token == "operator-token"
	access := {"farm-a": ["farms.read", "farms.write"], "farm-b": ["farms.read"]}
}
`

func TestRequireAccessGrantsTenantScopes(t *testing.T) {
	is := is.New(t)

	authz, err := NewAuthenticator(context.Background(), strings.NewReader(testPolicy))
	is.NoErr(err)

	var readable, writable []string
	var allowedA bool

	handler := authz.RequireAccess(ScopeFarmsRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		readable = GetTenantsWithAllowedScopes(r.Context(), ScopeFarmsRead)
		writable = GetTenantsWithAllowedScopes(r.Context(), ScopeFarmsRead, ScopeFarmsWrite)
		allowedA = IsTenantAllowed(r.Context(), "farm-a", ScopeFarmsWrite)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer operator-token")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	is.Equal(http.StatusOK, res.Code)
	is.Equal(2, len(readable))
	is.Equal([]string{"farm-a"}, writable)
	is.True(allowedA)
}

func TestRequireAccessRejectsMissingOrUnknownToken(t *testing.T) {
	is := is.New(t)

	authz, err := NewAuthenticator(context.Background(), strings.NewReader(testPolicy))
	is.NoErr(err)

	handler := authz.RequireAccess(ScopeFarmsRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	is.Equal(http.StatusUnauthorized, res.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer someone-else")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	is.Equal(http.StatusUnauthorized, res.Code)
}
