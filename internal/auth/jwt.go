// Package auth verifies identity-provider access tokens presented at the
// websocket upgrade.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Identity is the verified subset of an access token
type Identity struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
}

// UserMetadata mirrors the provider's user_metadata claim
type UserMetadata struct {
	Name      string `json:"name,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Claims is the access-token payload
type Claims struct {
	Email        string       `json:"email,omitempty"`
	UserMetadata UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
// A Verifier with an empty secret is disabled.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether tokens can be verified
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify parses tokenString and returns the identity it carries
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if !v.Enabled() {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	name := claims.UserMetadata.Name
	if name == "" {
		name = claims.UserMetadata.FullName
	}

	return &Identity{
		ID:        claims.Subject,
		Email:     claims.Email,
		Name:      name,
		AvatarURL: claims.UserMetadata.AvatarURL,
	}, nil
}

// ParseUnverified reads the identity from a token without checking its
// signature. Clients use it to learn their own id; servers must use Verify.
func ParseUnverified(tokenString string) (*Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	name := claims.UserMetadata.Name
	if name == "" {
		name = claims.UserMetadata.FullName
	}
	return &Identity{
		ID:        claims.Subject,
		Email:     claims.Email,
		Name:      name,
		AvatarURL: claims.UserMetadata.AvatarURL,
	}, nil
}

// Sign issues a token for id, valid for ttl. Used by tooling and tests.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", ErrInvalidToken
	}

	now := time.Now()
	claims := &Claims{
		Email: id.Email,
		UserMetadata: UserMetadata{
			Name:      id.Name,
			AvatarURL: id.AvatarURL,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
