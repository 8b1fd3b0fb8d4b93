package statusapi_test

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eryjus/pi-bootloader/internal/statusapi"
)

func testRSAKeypair(t *testing.T) (*rsa.PublicKey, *rsa.PrivateKey, error) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return &priv.PublicKey, priv, nil
}

func signToken(t *testing.T, priv *rsa.PrivateKey, expiry time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTMiddlewareAcceptsValidToken(t *testing.T) {
	pubKey, priv, _ := testRSAKeypair(t)
	srv := statusapi.NewServer(&fakeState{}, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, pubKey)

	token := signToken(t, priv, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestJWTMiddlewareRejectsExpiredToken(t *testing.T) {
	pubKey, priv, _ := testRSAKeypair(t)
	srv := statusapi.NewServer(&fakeState{}, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, pubKey)

	token := signToken(t, priv, -time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddlewareRejectsTokenWithoutSubject(t *testing.T) {
	pubKey, priv, _ := testRSAKeypair(t)
	srv := statusapi.NewServer(&fakeState{}, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, pubKey)

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddlewareRejectsWrongKey(t *testing.T) {
	_, priv, _ := testRSAKeypair(t)
	otherPubKey, _, _ := testRSAKeypair(t)
	srv := statusapi.NewServer(&fakeState{}, nil, nil, nil, nil)
	router := statusapi.NewRouter(srv, otherPubKey)

	token := signToken(t, priv, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
