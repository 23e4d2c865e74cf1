package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

type accessContextKey struct{ name string }

var accessCtxKey = &accessContextKey{"access"}

var tracer = otel.Tracer("iot-farm-bridge/authz")

type Scope string

var AnyScope Scope = Scope("any")

const (
	ScopeFarmsRead    Scope = "farms.read"
	ScopeFarmsWrite   Scope = "farms.write"
	ScopeDevicesWrite Scope = "devices.write"
)

type Enticator interface {
	RequireAccess(scopes ...Scope) func(http.Handler) http.Handler
}

type accessMap map[string]map[Scope]struct{}

type impl struct {
	query rego.PreparedEvalQuery
}

func (a *impl) RequireAccess(scopes ...Scope) func(http.Handler) http.Handler {

	validateScopes := make([]string, 0, len(scopes))
	for _, s := range scopes {
		validateScopes = append(validateScopes, string(s))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			logger := logging.GetLoggerFromContext(r.Context())

			_, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			token := r.Header.Get("Authorization")

			if token == "" || !strings.HasPrefix(token, "Bearer ") {
				err = errors.New("authorization header missing")
				logger.Info().Msg(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			input := map[string]any{
				"token":  token[7:],
				"scopes": validateScopes,
			}

			results, err := a.query.Eval(r.Context(), rego.EvalInput(input))
			if err != nil {
				logger.Error().Err(err).Msg("opa eval failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if len(results) == 0 {
				err = errors.New("opa query could not be satisfied")
				logger.Error().Err(err).Msg("auth failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			binding := results[0].Bindings["x"]

			// a failed authorization yields a single false
			allowed, ok := binding.(bool)
			if ok && !allowed {
				err = errors.New("authorization failed")
				logger.Warn().Msg(err.Error())
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			result, ok := binding.(map[string]any)
			if !ok {
				err = errors.New("unexpected result type")
				logger.Error().Err(err).Msg("opa error")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			anyAccess, ok1 := result["access"]
			access, ok2 := anyAccess.(map[string]any)

			if !ok1 || !ok2 {
				err = errors.New("bad response from authz policy engine")
				logger.Error().Err(err).Msg("opa error")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			accessObj := accessMap{}

			for tenant, anyScopes := range access {
				scopes, ok := anyScopes.([]any)
				if !ok {
					err = errors.New("rego response type error")
					logger.Error().Err(err).Str("tenant", tenant).Msg("opa error")
					http.Error(w, "rego error", http.StatusInternalServerError)
					return
				}

				accessObj[tenant] = map[Scope]struct{}{}

				for _, s := range scopes {
					if scope, ok := s.(string); ok {
						accessObj[tenant][Scope(scope)] = struct{}{}
					}
				}
			}

			if len(accessObj) == 0 {
				// requested scopes were not allowed in any tenant
				err = errors.New("authorization failed")
				logger.Warn().Msg(err.Error())
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccess(r.Context(), accessObj)))
		})
	}
}

func NewAuthenticator(ctx context.Context, policies io.Reader) (Enticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.example.authz.allow"),
		rego.Module("example.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return &impl{query: query}, nil
}

// GetTenantsWithAllowedScopes extracts the names of allowed tenants, if any, from the provided context
func GetTenantsWithAllowedScopes(ctx context.Context, scopes ...Scope) []string {
	access, ok := ctx.Value(accessCtxKey).(accessMap)
	requiredScopeCount := len(scopes)

	if !ok || requiredScopeCount == 0 {
		return []string{}
	}

	// AnyScope disables the scope check below
	if requiredScopeCount == 1 && scopes[0] == AnyScope {
		requiredScopeCount = 0
	}

	tenants := make([]string, 0, len(access))

	for t, allowedScopes := range access {
		idx := 0

		for idx < requiredScopeCount {
			if _, ok := allowedScopes[scopes[idx]]; !ok {
				break
			}
			idx++
		}

		if idx == requiredScopeCount {
			tenants = append(tenants, t)
		}
	}

	return tenants
}

// IsTenantAllowed reports whether every scope is granted for the tenant.
func IsTenantAllowed(ctx context.Context, tenantID string, scopes ...Scope) bool {
	for _, t := range GetTenantsWithAllowedScopes(ctx, scopes...) {
		if t == tenantID {
			return true
		}
	}
	return false
}

func WithAccess(ctx context.Context, access accessMap) context.Context {
	return context.WithValue(ctx, accessCtxKey, access)
}

// WithTenantScopes grants scopes for tenants without evaluating a policy.
func WithTenantScopes(ctx context.Context, tenants []string, scopes ...Scope) context.Context {
	access := accessMap{}
	for _, t := range tenants {
		access[t] = map[Scope]struct{}{}
		for _, s := range scopes {
			access[t][s] = struct{}{}
		}
	}
	return WithAccess(ctx, access)
}
