// Package auth verifies the opaque tokens presented by sync clients.
//
// The credential store (password hashing, token minting on login) lives in an
// external service; this package only consumes its tokens. Tokens are HMAC
// JWTs whose subject is the numeric user ID.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails parsing or validation.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated user as seen by the collaboration core.
type Identity struct {
	UserID      int64
	Name        string
	ServerAdmin bool
}

// Claims holds the JWT claims for a notevault token.
// The user ID is stored in the standard "sub" (Subject) claim.
type Claims struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves an opaque token to an identity.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// TokenService issues and verifies JWT tokens.
type TokenService struct {
	secret   []byte
	duration time.Duration
}

var _ Authenticator = (*TokenService)(nil)

// NewTokenService creates a token service with the given HMAC secret and
// token lifetime.
func NewTokenService(secret []byte, duration time.Duration) *TokenService {
	return &TokenService{
		secret:   secret,
		duration: duration,
	}
}

// Issue creates a signed JWT for the given user.
func (ts *TokenService) Issue(id Identity) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ts.duration)

	claims := Claims{
		Name:  id.Name,
		Admin: id.ServerAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// Authenticate parses and validates a JWT, returning the identity it names.
func (ts *TokenService) Authenticate(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: non-numeric subject %q", ErrInvalidToken, claims.Subject)
	}

	return Identity{
		UserID:      userID,
		Name:        claims.Name,
		ServerAdmin: claims.Admin,
	}, nil
}
