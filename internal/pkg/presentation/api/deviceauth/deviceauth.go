package deviceauth

import (
	"context"
	"net/http"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/go-chi/jwtauth/v5"
)

const DeviceClaim string = "device_id"

type deviceContextKey struct{ name string }

var deviceCtxKey = &deviceContextKey{"device"}

// Authenticator verifies HS256 bearer tokens issued to devices. A nil Authenticator
// lets every request through.
type Authenticator struct {
	ja *jwtauth.JWTAuth
}

func New(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{ja: jwtauth.New("HS256", []byte(secret), nil)}
}

func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	if a == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	verifier := jwtauth.Verifier(a.ja)

	return func(next http.Handler) http.Handler {
		return verifier(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logging.GetLoggerFromContext(r.Context())

			_, claims, err := jwtauth.FromContext(r.Context())
			if err != nil {
				log.Info().Err(err).Msg("device token rejected")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			deviceID, _ := claims[DeviceClaim].(string)
			if deviceID == "" {
				log.Info().Msg("device token without device claim")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceCtxKey, deviceID)))
		}))
	}
}

// Token issues a token for a device. Used by provisioning and tests.
func (a *Authenticator) Token(deviceID string) (string, error) {
	_, token, err := a.ja.Encode(map[string]any{DeviceClaim: deviceID})
	return token, err
}

// IsDeviceAllowed reports whether the authenticated device may act as deviceID.
// It is always true when device authentication is disabled.
func IsDeviceAllowed(ctx context.Context, deviceID string) bool {
	authenticated, ok := ctx.Value(deviceCtxKey).(string)
	if !ok {
		return true
	}
	return authenticated == deviceID
}
