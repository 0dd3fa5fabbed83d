package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed or badly signed bearer tokens.
var ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthenticated)

// Claims is the bearer token payload. It carries the upstream credentials
// directly so a token holder needs no server-side session.
type Claims struct {
	BaseURL     string `json:"baseUrl"`
	FrontendURL string `json:"frontendUrl,omitempty"`
	Edition     string `json:"edition"`
	Username    string `json:"username"`
	APIKey      string `json:"apiKey"`
	jwt.RegisteredClaims
}

// TokenVerifier validates and issues HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for the given shared secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify parses the token and returns the user it describes.
func (v *TokenVerifier) Verify(tokenString string) (*User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	switch {
	case claims.APIKey == "":
		return nil, fmt.Errorf("%w: missing apiKey claim", ErrInvalidToken)
	case claims.Username == "":
		return nil, fmt.Errorf("%w: missing username claim", ErrInvalidToken)
	case claims.BaseURL == "":
		return nil, fmt.Errorf("%w: missing baseUrl claim", ErrInvalidToken)
	}

	edition := claims.Edition
	if edition == "" {
		edition = EditionCloud
	}
	return &User{
		SessionID:   TokenSessionID(claims.APIKey),
		Email:       claims.Username,
		Edition:     edition,
		APIKey:      claims.APIKey,
		BaseURL:     claims.BaseURL,
		FrontendURL: claims.FrontendURL,
	}, nil
}

// Issue signs a token for the user that expires after ttl.
func (v *TokenVerifier) Issue(u *User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		BaseURL:     u.BaseURL,
		FrontendURL: u.FrontendURL,
		Edition:     u.Edition,
		Username:    u.Email,
		APIKey:      u.APIKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenSessionID derives the stable correlation id used for a token
// holder, who has no server-side session.
func TokenSessionID(apiKey string) string {
	return tokenSessionPrefix + Fingerprint(apiKey)
}

// IsTokenSessionID reports whether id was made by TokenSessionID.
func IsTokenSessionID(id string) bool {
	return strings.HasPrefix(id, tokenSessionPrefix)
}

const tokenSessionPrefix = "token-"

// LooksLikeJWT reports whether s has the three-segment JWT shape.
// Session ids never contain dots.
func LooksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
