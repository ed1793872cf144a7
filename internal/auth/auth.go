// Package auth implements the Identity & Token Service: minting and
// verifying short-lived bearer tokens that bind a subject to a
// principal ID and display name. Grounded on the listen-along
// reference's jwtClaims/ParseWithClaims pattern, backed by
// golang-jwt/jwt/v5 HS256 instead of that file's raw secret-byte
// comparison.
package auth

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"groupjam/server/internal/apperr"
	"groupjam/server/internal/registry"
)

// TokenTTL is the bearer token lifetime.
const TokenTTL = 24 * time.Hour

// Claims is the JWT payload: subject (the external user ID) plus the
// registered exp/iat fields jwt.RegisteredClaims provides.
type Claims struct {
	UserID      string `json:"sub"`
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the identity a verified token resolves to.
type Principal struct {
	UserID      string
	DisplayName string
}

// Service mints and verifies bearer tokens, registering first-seen
// principals with the Session Registry's user directory as a side
// effect of minting.
type Service struct {
	secret []byte
	reg    *registry.Registry
	log    zerolog.Logger
}

// NewService constructs a Service. If secret is empty, a
// cryptographically random one is generated for the life of the
// process, matching the JWT_SECRET-or-random-fallback contract.
func NewService(secret string, reg *registry.Registry, log zerolog.Logger) *Service {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			// crypto/rand failing is effectively unrecoverable; fall back to
			// a fixed process-start timestamp-derived key rather than panic.
			key = []byte(time.Now().String())
		}
	}
	return &Service{secret: key, reg: reg, log: log}
}

// Mint signs a token binding externalUserID to a principal, assigning
// a display name and frequency on first sight (or updating the
// display name on a subsequent mint for the same principal).
func (s *Service) Mint(externalUserID, displayName string) (string, error) {
	if externalUserID == "" {
		return "", apperr.New(apperr.InvalidInput, "spotifyUserId is required")
	}

	u := s.reg.RegisterOrUpdateUser(externalUserID, displayName)

	now := time.Now()
	claims := Claims{
		UserID:      externalUserID,
		DisplayName: u.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Verify validates a bearer token and returns the principal it binds.
func (s *Service) Verify(tokenStr string) (Principal, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return Principal{}, apperr.New(apperr.PermissionDenied, "invalid or expired token")
	}
	return Principal{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}
