package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is unexported so no other package can read or shadow values
// stored under it.
type contextKey string

const subjectKey contextKey = "subject"

// CookieName is the cookie browsers carry the token in.
const CookieName = "token"

var errNoToken = errors.New("auth: no token")

// RequireAuth rejects requests without a valid token with 401 and stores
// the token subject in the request context otherwise.
//
// The token is read from "Authorization: Bearer <jwt>" first, then from the
// HttpOnly "token" cookie, so both API clients and the browser editor work.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := extractSubject(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="codeexec"`)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}` + "\n"))
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth records the subject when a valid token is present but never
// blocks the request. Used on read-only routes.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subject, err := extractSubject(r, tokens); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), subjectKey, subject))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectFromContext returns the authenticated subject, or ("", false) for
// anonymous requests.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok && s != ""
}

func extractSubject(r *http.Request, tokens *TokenService) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errors.New("auth: unsupported authorization scheme")
		}
		return tokens.Validate(strings.TrimSpace(token))
	}

	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", errNoToken
	}
	return tokens.Validate(cookie.Value)
}
