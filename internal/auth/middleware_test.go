package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthMiddleware_NoToken(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_DevicePathExempt(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy([]string{"/healthz"}, []string{"/api/device/"}))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/device/commands/poll", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_StoresActor(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "42", "USER")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))

	var got Actor
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		got = actor
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got.UserID != 42 || got.Role != RoleUser {
		t.Fatalf("unexpected actor: %+v", got)
	}
}

func TestAuthMiddleware_RejectsBadSubject(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "not-a-number", "ADMIN")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestActorCanControl(t *testing.T) {
	owner := int64(7)
	if !(Actor{UserID: 7, Role: RoleUser}).CanControl(&owner) {
		t.Fatalf("owner should control device")
	}
	if (Actor{UserID: 8, Role: RoleUser}).CanControl(&owner) {
		t.Fatalf("non-owner should not control device")
	}
	if (Actor{UserID: 8, Role: RoleUser}).CanControl(nil) {
		t.Fatalf("unowned device should not be controllable by users")
	}
	if !(Actor{UserID: 1, Role: RoleAdmin}).CanControl(nil) {
		t.Fatalf("admin should control any device")
	}
}

func TestDeviceKeyMatches(t *testing.T) {
	if !DeviceKeyMatches("k1", "k1") {
		t.Fatalf("expected match")
	}
	if DeviceKeyMatches("k1", "k2") || DeviceKeyMatches("", "") {
		t.Fatalf("expected mismatch")
	}
}

func mustToken(t *testing.T, secret []byte, subject, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
