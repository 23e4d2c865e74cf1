package deviceauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestMiddlewareBindsDeviceFromToken(t *testing.T) {
	is := is.New(t)

	a := New("s3cr3t")
	token, err := a.Token("pump-01")
	is.NoErr(err)

	var own, other bool
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		own = IsDeviceAllowed(r.Context(), "pump-01")
		other = IsDeviceAllowed(r.Context(), "pump-02")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v0/sensors", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	is.Equal(http.StatusOK, res.Code)
	is.True(own)
	is.True(!other)
}

func TestMiddlewareRejectsMissingAndForeignTokens(t *testing.T) {
	is := is.New(t)

	handler := New("s3cr3t").Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/api/v0/sensors", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	is.Equal(http.StatusUnauthorized, res.Code)

	foreign, err := New("another-secret").Token("pump-01")
	is.NoErr(err)

	req = httptest.NewRequest(http.MethodPost, "/api/v0/sensors", nil)
	req.Header.Set("Authorization", "Bearer "+foreign)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	is.Equal(http.StatusUnauthorized, res.Code)
}

func TestDisabledAuthenticatorAllowsEveryDevice(t *testing.T) {
	is := is.New(t)

	var a *Authenticator = New("")
	is.True(a == nil)

	var allowed bool
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed = IsDeviceAllowed(r.Context(), "pump-02")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	is.True(allowed)
}
