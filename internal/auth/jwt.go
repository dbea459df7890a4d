// Package auth verifies optional HS256 bearer tokens and exposes the caller's
// user id to handlers.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// JWTManager signs and validates access tokens.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
	issuer     string
}

// NewJWTManager creates a manager. An empty issuer disables issuer checks.
func NewJWTManager(signingKey, issuer string, expiry time.Duration) *JWTManager {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &JWTManager{
		signingKey: []byte(signingKey),
		expiry:     expiry,
		issuer:     issuer,
	}
}

// Claims are the token claims understood by the service.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// UserContext is the authenticated caller.
type UserContext struct {
	UserID   string
	Username string
}

// GenerateToken issues an access token for userID.
func (j *JWTManager) GenerateToken(userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Username: username,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTManager) ValidateAccessToken(tokenString string) (*UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if j.issuer != "" && claims.Issuer != j.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &UserContext{UserID: claims.Subject, Username: claims.Username}, nil
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
