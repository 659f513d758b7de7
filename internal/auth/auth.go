// Package auth resolves a WebSocket upgrade request to a trusted user id. The
// client presents an HS256 JWT either as the "token" query parameter or as an
// "Authorization: Bearer" header; the user id is the token's "id" claim, or
// its subject when "id" is absent.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken is returned when the token fails verification or
	// names no user.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims are the token fields the relay reads.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given HMAC secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: empty signing secret")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify validates tokenString and returns the user id it carries.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return userID, nil
}

// Authenticate extracts the token from r and verifies it.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	return v.Verify(TokenFromRequest(r))
}

// Sign issues a token for userID. It is used by tooling and tests.
func (v *Verifier) Sign(userID string, claims jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: claims,
		UserID:           userID,
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func (v *Verifier) keyfunc(_ *jwt.Token) (interface{}, error) {
	return v.secret, nil
}

// TokenFromRequest returns the token from the "token" query parameter or the
// bearer Authorization header, in that order.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
