package caller

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-delegate/pkg/ratelimit"
)

// ExtraClaims is the extra_claims object of tokens issued by pkg/refresh.
type ExtraClaims struct {
	Roles         []string       `json:"roles,omitempty"`
	TenantID      *uuid.UUID     `json:"tenant_id,omitempty"`
	Impersonation *Impersonation `json:"impersonation,omitempty"`
}

func LoadFromMap[T any](m map[string]interface{}, c *T) error {
	data, err := json.Marshal(m)
	if err == nil {
		err = json.Unmarshal(data, c)
	}
	return err
}

// FromClaims builds a Caller from verified JWT claims.
func FromClaims(claims map[string]interface{}) (Caller, error) {
	var c Caller
	sub, _ := claims["sub"].(string)
	actorID, err := uuid.Parse(sub)
	if err != nil {
		return c, err
	}
	c.ActorID = actorID

	if raw, ok := claims["extra_claims"].(map[string]interface{}); ok {
		var extra ExtraClaims
		if err := LoadFromMap(raw, &extra); err != nil {
			return Caller{}, err
		}
		c.Roles = extra.Roles
		c.TenantID = extra.TenantID
		c.Impersonation = extra.Impersonation
	}
	return c, nil
}

// Middleware stores a Caller in the request context. It must run after
// jwtauth.Verifier. Requests without a valid token get an anonymous caller;
// operations reject those with NotAuthenticated.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Caller{}

		token, claims, err := jwtauth.FromContext(r.Context())
		if err == nil && token != nil {
			parsed, perr := FromClaims(claims)
			if perr != nil {
				slog.Warn("Ignoring token with unusable claims", "err", perr)
			} else {
				c = parsed
				c.Token = jwtauth.TokenFromHeader(r)
				if c.Token == "" {
					c.Token = jwtauth.TokenFromCookie(r)
				}
			}
		}

		c.IPAddress = ratelimit.ClientIP(r)
		c.UserAgent = r.UserAgent()

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), c)))
	})
}

// RequireRole rejects anonymous callers with 401 and callers lacking every
// listed role with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := FromContext(r.Context())
			if !c.IsAuthenticated() {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"code": "NOT_AUTHENTICATED", "message": "caller is not authenticated"})
				return
			}
			for _, role := range roles {
				if c.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			slog.Warn("Caller lacks required role", "caller", c, "requiredRoles", roles)
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, map[string]string{"code": "FORBIDDEN", "message": "insufficient permissions"})
		})
	}
}
