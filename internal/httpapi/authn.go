package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"pallas.athemath.org/internal/auth"
	"pallas.athemath.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

type actorKey struct{}

func contextWithActor(ctx context.Context, actor *identity.User) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFromContext(ctx context.Context) (*identity.User, bool) {
	actor, ok := ctx.Value(actorKey{}).(*identity.User)
	return actor, ok && actor != nil
}

// withAuth resolves the bearer token to a fresh user record. The record
// is loaded on every request so level changes apply immediately; the
// token only proves who is calling.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		subjectID, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		actor, err := a.identity.Resolve(r.Context(), subjectID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrUnauthenticated) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := contextWithActor(r.Context(), actor)
		ctx = auth.ContextWithSubject(ctx, actor.ID)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) actor(r *http.Request) *identity.User {
	actor, _ := actorFromContext(r.Context())
	return actor
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
