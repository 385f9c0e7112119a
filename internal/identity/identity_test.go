package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func serve(t *testing.T, r *Resolver, cookie *http.Cookie) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, err := UserIDFromContext(req.Context())
		if err != nil {
			t.Fatalf("UserIDFromContext: %v", err)
		}
		seen = id
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareMintsIdentityForNewVisitor(t *testing.T) {
	rec, id := serve(t, NewResolver(true), nil)

	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("minted id %q is not a uuid: %v", id, err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CookieName || c.Value != id || !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie: %+v", c)
	}
	if c.MaxAge != 365*24*60*60 {
		t.Fatalf("MaxAge=%d want one year", c.MaxAge)
	}
}

func TestMiddlewareKeepsExistingIdentity(t *testing.T) {
	existing := uuid.NewString()
	rec, id := serve(t, NewResolver(false), &http.Cookie{Name: CookieName, Value: existing})

	if id != existing {
		t.Fatalf("id=%q want %q", id, existing)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("cookie must not be re-issued for a known visitor")
	}
}

func TestMiddlewareReplacesCorruptedCookie(t *testing.T) {
	rec, id := serve(t, NewResolver(false), &http.Cookie{Name: CookieName, Value: "not-a-uuid"})

	if id == "not-a-uuid" {
		t.Fatalf("corrupted value must not be used as identity")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != id {
		t.Fatalf("expected fresh cookie with %q, got %+v", id, cookies)
	}
}

func TestUserIDFromContextMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := UserIDFromContext(req.Context()); err != ErrNoUser {
		t.Fatalf("expected ErrNoUser, got %v", err)
	}
}

func TestTelegramID(t *testing.T) {
	if got := TelegramID(123456789); got != "123456789" {
		t.Fatalf("TelegramID=%q", got)
	}
}
