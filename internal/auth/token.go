package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrExpiredToken   = errors.New("token has expired")
)

// Claims are the fields the back-office API puts in its bearer tokens.
type Claims struct {
	UserID string `json:"id,omitempty"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// DecodeToken reads the claims of a token without verifying its signature;
// the client never holds the signing key. Tokens that cannot be decoded,
// carry an unknown role, or are expired at now are rejected.
func DecodeToken(token string, now time.Time) (*Claims, error) {
	claims, err := ParseToken(token, now)
	if err != nil {
		return nil, err
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: missing role", ErrMalformedToken)
	}
	return claims, nil
}

// ParseToken reads the claims of an unverified token and checks its expiry.
// Unlike DecodeToken it accepts tokens without a recognised role claim.
func ParseToken(token string, now time.Time) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

// VerifyToken validates an HS256 token against secret and returns its claims.
func VerifyToken(token string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrMalformedToken
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !claims.Role.Valid() {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

// SignToken produces an HS256 token for claims. The relay never issues
// tokens to clients; this exists for local development and tests.
func SignToken(claims Claims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// NewClaims builds claims for role expiring after ttl.
func NewClaims(id, email string, role Role, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		UserID: id,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}
