package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/golang-jwt/jwt/v5"
)

func issuePaseto(t *testing.T, secret paseto.V4AsymmetricSecretKey, issuer, uid string, exp time.Time) string {
	t.Helper()

	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	if err := tok.Set("uid", uid); err != nil {
		t.Fatalf("set uid: %v", err)
	}
	if err := tok.Set("sid", "sess-1"); err != nil {
		t.Fatalf("set sid: %v", err)
	}
	return tok.V4Sign(secret, nil)
}

func TestPasetoVerifier(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	v, err := NewPasetoVerifier(secret.Public().ExportHex(), "identity", 2*time.Second)
	if err != nil {
		t.Fatalf("NewPasetoVerifier: %v", err)
	}

	good := issuePaseto(t, secret, "identity", "u-1", time.Now().Add(time.Minute))
	id, err := v.Verify(context.Background(), good)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u-1" || id.SessionID != "sess-1" || id.ExpiresAt.IsZero() {
		t.Fatalf("unexpected identity: %+v", id)
	}

	otherKey := paseto.NewV4AsymmetricSecretKey()
	cases := map[string]string{
		"expired":      issuePaseto(t, secret, "identity", "u-1", time.Now().Add(-time.Minute)),
		"wrong issuer": issuePaseto(t, secret, "someone-else", "u-1", time.Now().Add(time.Minute)),
		"wrong key":    issuePaseto(t, otherKey, "identity", "u-1", time.Now().Add(time.Minute)),
		"garbage":      "v4.public.not-a-token",
	}
	for name, tok := range cases {
		if _, err := v.Verify(context.Background(), tok); err != ErrInvalidToken {
			t.Fatalf("%s: err=%v want ErrInvalidToken", name, err)
		}
	}
	if _, err := v.Verify(context.Background(), ""); err != ErrMissingToken {
		t.Fatalf("empty: err=%v want ErrMissingToken", err)
	}
}

func TestNewPasetoVerifierRejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewPasetoVerifier("zz", "identity", 0); err == nil {
		t.Fatalf("accepted invalid key")
	}
	key := paseto.NewV4AsymmetricSecretKey().Public().ExportHex()
	if _, err := NewPasetoVerifier(key, " ", 0); err == nil {
		t.Fatalf("accepted empty issuer")
	}
}

func TestJWTVerifier(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	v, err := NewJWTVerifier(secret, "agora-auth")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	sign := func(c JWTClaims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	valid := jwt.RegisteredClaims{Issuer: "agora-auth", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	sub := valid
	sub.Subject = "u-sub"
	id, err := v.Verify(context.Background(), sign(JWTClaims{RegisteredClaims: sub}, jwt.SigningMethodHS256, secret))
	if err != nil || id.UserID != "u-sub" {
		t.Fatalf("sub token: id=%+v err=%v", id, err)
	}

	id, err = v.Verify(context.Background(), sign(JWTClaims{UserID: "u-legacy", RegisteredClaims: valid}, jwt.SigningMethodHS256, secret))
	if err != nil || id.UserID != "u-legacy" {
		t.Fatalf("user_id token: id=%+v err=%v", id, err)
	}

	expired := sub
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noExp := sub
	noExp.ExpiresAt = nil
	wrongIss := sub
	wrongIss.Issuer = "other"

	bad := map[string]string{
		"expired":      sign(JWTClaims{RegisteredClaims: expired}, jwt.SigningMethodHS256, secret),
		"no exp":       sign(JWTClaims{RegisteredClaims: noExp}, jwt.SigningMethodHS256, secret),
		"wrong issuer": sign(JWTClaims{RegisteredClaims: wrongIss}, jwt.SigningMethodHS256, secret),
		"wrong secret": sign(JWTClaims{RegisteredClaims: sub}, jwt.SigningMethodHS256, []byte("another-secret-of-32-bytes-long!")),
		"hs512":        sign(JWTClaims{RegisteredClaims: sub}, jwt.SigningMethodHS512, secret),
		"no subject":   sign(JWTClaims{RegisteredClaims: valid}, jwt.SigningMethodHS256, secret),
	}
	for name, tok := range bad {
		if _, err := v.Verify(context.Background(), tok); err != ErrInvalidToken {
			t.Fatalf("%s: err=%v want ErrInvalidToken", name, err)
		}
	}

	if _, err := NewJWTVerifier([]byte("short"), ""); err == nil {
		t.Fatalf("accepted short secret")
	}
}

func TestDevVerifier(t *testing.T) {
	t.Parallel()

	id, err := DevVerifier{}.Verify(context.Background(), " buyer-1 ")
	if err != nil || id.UserID != "buyer-1" {
		t.Fatalf("id=%+v err=%v", id, err)
	}
	if _, err := (DevVerifier{}).Verify(context.Background(), "a b"); err != ErrInvalidToken {
		t.Fatalf("err=%v want ErrInvalidToken", err)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer abc", "", "abc"},
		{"lowercase scheme", "bearer abc", "", "abc"},
		{"basic ignored", "Basic abc", "access_token=q", ""},
		{"query fallback", "", "access_token=q", "q"},
		{"none", "", "", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws?"+tc.query, nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := BearerToken(r); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestRequireMiddleware(t *testing.T) {
	t.Parallel()

	h := Require(DevVerifier{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			t.Errorf("identity missing from context")
		}
		_, _ = w.Write([]byte(id.UserID))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer seller-9")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "seller-9" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestNewVerifierModes(t *testing.T) {
	t.Parallel()

	if v, err := NewVerifier(Config{Mode: "dev"}); err != nil || v == nil {
		t.Fatalf("dev: %v", err)
	}
	if _, err := NewVerifier(Config{Mode: "paseto"}); err == nil {
		t.Fatalf("paseto without key accepted")
	}
	if _, err := NewVerifier(Config{Mode: "jwt", JWTSecret: "0123456789abcdef"}); err != nil {
		t.Fatalf("jwt: %v", err)
	}
	if _, err := NewVerifier(Config{Mode: "ldap"}); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}
