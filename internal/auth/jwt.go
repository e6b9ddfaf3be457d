package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/plan"
)

// Claims carries the subscriber identity minted by the accounts system.
// The plan claim is advisory: entitlement decisions always re-read the
// subscriber row, so a stale token cannot grant a lapsed plan.
type Claims struct {
	SubscriberID string `json:"sid"`
	Plan         string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// Manager verifies subscriber tokens signed with a shared HS256 secret.
// It can also mint them, which tooling and tests use; in production the
// accounts system is the issuer.
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
}

func NewManager(secret, issuer string, expiry time.Duration) *Manager {
	return &Manager{secret: []byte(secret), issuer: issuer, expiry: expiry}
}

// Issue mints a token for a subscriber.
func (m *Manager) Issue(subscriberID uuid.UUID, tier plan.Tier) (string, error) {
	now := time.Now()
	claims := Claims{
		SubscriberID: subscriberID.String(),
		Plan:         tier.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the subscriber it
// identifies.
func (m *Manager) Verify(tokenStr string) (uuid.UUID, *Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, nil, ErrInvalidToken
	}

	id, err := uuid.Parse(claims.SubscriberID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("parsing subscriber id claim: %w", err)
	}
	return id, claims, nil
}
