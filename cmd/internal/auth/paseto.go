package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoVerifier verifies PASETO v4.public access tokens issued by the identity
// service. Tokens carry "uid" and "sid" claims.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
	now       func() time.Time
}

// NewPasetoVerifier builds a verifier from the issuer's Ed25519 public key (hex).
func NewPasetoVerifier(publicKeyHex, issuer string, clockSkew time.Duration) (*PasetoVerifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, errors.New("auth: invalid paseto public key")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("auth: empty paseto issuer")
	}
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &PasetoVerifier{
		issuer:    issuer,
		clockSkew: clockSkew,
		public:    public,
		now:       time.Now,
	}, nil
}

func (v *PasetoVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	// Validate slightly in the future so "nbf" tolerates small clock differences.
	validAt := v.now().UTC().Add(v.clockSkew)

	// Fresh parser per call so rules do not accumulate.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validAt))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Identity{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")
	exp, _ := parsed.GetExpiration()

	return Identity{UserID: uid, SessionID: sid, ExpiresAt: exp}, nil
}
