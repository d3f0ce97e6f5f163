// Package auth is the seam to the real authentication collaborator.
//
// The gate interposes its checks before these calls and never replaces
// them: a denied Check means SignIn is not attempted at all, while a
// failed SignIn still consumes a rate-limit attempt.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredentials is returned when the email/password pair does
// not match a known user.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrInvalidToken is returned for malformed, expired, or mis-signed
// tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Provider is the external auth surface consumed by the gate's demo
// routes. Production deployments plug their own implementation in.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (token string, err error)
	SignOut(ctx context.Context, token string) error
	Role(ctx context.Context, token string) (string, error)
}

// ─── Static demo provider ─────────────────────────────────────────────────────

type staticUser struct {
	password string
	role     string
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// StaticProvider authenticates against an in-memory user table and
// issues HS256 JWTs. It exists for demos and tests; nothing about the
// gate depends on this particular implementation.
type StaticProvider struct {
	users  map[string]staticUser
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStaticProvider creates a provider with the given signing secret.
func NewStaticProvider(secret string) *StaticProvider {
	return &StaticProvider{
		users:  make(map[string]staticUser),
		secret: []byte(secret),
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
}

// AddUser registers a demo user. Passwords are stored in plain text
// because this provider never leaves demo scope.
func (p *StaticProvider) AddUser(email, password, role string) {
	p.users[email] = staticUser{password: password, role: role}
}

// SignIn validates the credentials and returns a signed session token.
func (p *StaticProvider) SignIn(_ context.Context, email, password string) (string, error) {
	u, ok := p.users[email]
	if !ok || u.password != password {
		return "", ErrInvalidCredentials
	}

	now := p.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: u.role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	})
	return token.SignedString(p.secret)
}

// SignOut invalidates nothing server-side; stateless JWTs expire on
// their own. It exists to satisfy the collaborator surface.
func (p *StaticProvider) SignOut(context.Context, string) error {
	return nil
}

// Role extracts the role claim from a session token.
func (p *StaticProvider) Role(_ context.Context, token string) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	return c.Role, nil
}
