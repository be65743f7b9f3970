package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the identity carried by an authenticated connection.
type Principal struct {
	Username    string
	DisplayName string
}

// Verifier turns a bearer credential into a principal.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWT issues and verifies HS256 tokens with a shared secret.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string, ttl time.Duration) *JWT {
	return &JWT{secret: []byte(secret), ttl: ttl, now: time.Now}
}

var _ Verifier = (*JWT)(nil)

func (j *JWT) Issue(username, displayName string) (string, error) {
	if username == "" {
		return "", errors.New("username is required")
	}
	now := j.now()
	claims := AppClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if j.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(j.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func (j *JWT) Verify(tokenString string) (*Principal, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*AppClaims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing 'sub' claim", ErrUnauthenticated)
	}
	display := claims.DisplayName
	if display == "" {
		display = claims.Subject
	}
	return &Principal{Username: claims.Subject, DisplayName: display}, nil
}
