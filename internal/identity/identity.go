// Package identity resolves which user a request speaks for.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	AnonCookieName   = "arcan_anon_id"
	UserHeaderName   = "X-Arcan-User-ID"
	UserQueryParam   = "user_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	anonymousKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// IsAnonymous reports whether the user ID came from the anonymous cookie.
func IsAnonymous(ctx context.Context) bool {
	v, _ := ctx.Value(anonymousKey).(bool)
	return v
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// IsValidUserID reports whether id is acceptable as an explicit user ID.
func IsValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else {
		id, err = generateAnonID()
		if err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

// explicitUserID returns the caller-supplied user ID, from the query string first and
// the header second.
func explicitUserID(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get(UserQueryParam)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(UserHeaderName))
}

// Middleware injects the request's user ID. An explicit user_id query parameter or
// X-Arcan-User-ID header wins; otherwise a per-device anonymous cookie ID is used.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if userID := explicitUserID(r); userID != "" {
				if !IsValidUserID(userID) {
					http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithUserID(ctx, userID)))
				return
			}

			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			ctx = WithUserID(ctx, userID)
			ctx = context.WithValue(ctx, anonymousKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientKey returns the key a caller is throttled under once userID has been chosen for
// the request. Anonymous callers get a fresh cookie ID whenever they drop the cookie, so
// they are keyed by remote IP instead.
func ClientKey(r *http.Request, userID string) string {
	ctx := r.Context()
	if IsAnonymous(ctx) && userID == UserIDFromContext(ctx) {
		return "ip:" + IPFromRequest(r)
	}
	return "user:" + userID
}
