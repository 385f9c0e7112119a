// Package identity maps an incoming request to a stable user id.
package identity

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName   = "uid"
	cookieMaxAge = 365 * 24 * time.Hour
)

var ErrNoUser = errors.New("user id not found in context")

type contextKey string

var userIDContextKey = contextKey("user_id")

// Resolver issues and reads the anonymous web identity cookie.
type Resolver struct {
	secure bool
}

func NewResolver(secure bool) *Resolver {
	return &Resolver{secure: secure}
}

// Resolve returns the id carried by the request cookie. A missing or malformed
// cookie yields a freshly minted id and minted=true.
func (r *Resolver) Resolve(req *http.Request) (id string, minted bool) {
	if c, err := req.Cookie(CookieName); err == nil {
		if u, err := uuid.Parse(c.Value); err == nil {
			return u.String(), false
		}
		log.Printf("⚠️ malformed %s cookie, issuing a new identity", CookieName)
	}
	return uuid.NewString(), true
}

// Cookie builds the cookie that pins id to the browser.
func (r *Resolver) Cookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   r.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Middleware resolves the caller, sets the cookie when a new id was minted and
// stores the id in the request context.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, minted := r.Resolve(req)
		if minted {
			http.SetCookie(w, r.Cookie(id))
		}
		next.ServeHTTP(w, req.WithContext(ContextWithUserID(req.Context(), id)))
	})
}

func UserIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(userIDContextKey).(string)
	if !ok || id == "" {
		return "", ErrNoUser
	}
	return id, nil
}

func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDContextKey, id)
}

// TelegramID is the user id for a bot sender: the native numeric id in decimal.
func TelegramID(id int64) string {
	return strconv.FormatInt(id, 10)
}
