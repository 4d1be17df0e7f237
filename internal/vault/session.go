package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/maneesh/dropvault/internal/common"
)

const DefaultSessionTTL = 12 * time.Hour

// Session is the opaque handle returned by Authenticate.
type Session struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"owner_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Revocations records logged-out tokens until they would have expired
// anyway.
type Revocations interface {
	SetWithTTL(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Claims is the signed content of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// SessionManager issues and checks HS256 session tokens.
type SessionManager struct {
	secret      []byte
	ttl         time.Duration
	revocations Revocations
	now         func() time.Time
}

func NewSessionManager(secret []byte, ttl time.Duration, revocations Revocations, now func() time.Time) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionManager{secret: secret, ttl: ttl, revocations: revocations, now: now}
}

func revokedKey(jti string) string { return "revoked:" + jti }

func (m *SessionManager) Issue(ownerID, email string) (*Session, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: email,
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session: %w", err)
	}

	return &Session{
		Token:     signed,
		OwnerID:   ownerID,
		Email:     email,
		ExpiresAt: expiresAt,
	}, nil
}

func (m *SessionManager) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, common.ErrInvalidSession
	}
	return claims, nil
}

// Validate returns the claims of a well-formed, unexpired, unrevoked token.
func (m *SessionManager) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}

	revoked, err := m.revocations.Exists(ctx, revokedKey(claims.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, common.ErrInvalidSession
	}
	return claims, nil
}

// Revoke invalidates a token for the rest of its lifetime. Revoking an
// already invalid token is reported as common.ErrInvalidSession.
func (m *SessionManager) Revoke(ctx context.Context, tokenString string) error {
	claims, err := m.Validate(ctx, tokenString)
	if err != nil {
		return err
	}

	ttl := claims.ExpiresAt.Time.Sub(m.now())
	if ttl <= 0 {
		return nil
	}
	if err := m.revocations.SetWithTTL(ctx, revokedKey(claims.ID), ttl); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
