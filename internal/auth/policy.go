// Package auth turns request credentials into engine access decisions.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aridsondez/fmtp/internal/engine"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("operation not permitted")
)

// BasicPolicy admits requests carrying a user name and password from users.
func BasicPolicy(users map[string]string) engine.AccessFunc {
	return func(ctx context.Context, req engine.AccessRequest) error {
		c, ok := FromContext(ctx)
		if !ok || c.Username == "" {
			return ErrMissingCredentials
		}
		want, known := users[c.Username]
		// Compare even for unknown users so timing does not reveal them.
		match := subtle.ConstantTimeCompare([]byte(want), []byte(c.Password)) == 1
		if !known || !match {
			return ErrInvalidCredentials
		}
		return nil
	}
}

// Claims is the JWT payload. Queues lists the queues the bearer may use; "*"
// matches any queue. Admin grants inspection and garbage collection.
type Claims struct {
	Queues []string `json:"queues"`
	Admin  bool     `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) allows(queueName string) bool {
	for _, q := range c.Queues {
		if q == "*" || q == queueName {
			return true
		}
	}
	return false
}

// GenerateToken creates an HS256 token for subject.
func GenerateToken(secret []byte, subject string, queues []string, admin bool, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("JWT secret not set")
	}
	now := time.Now()
	claims := Claims{
		Queues: queues,
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and verifies a token signed with secret.
func ValidateToken(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidCredentials)
	}
	return claims, nil
}

// JWTPolicy admits bearer tokens whose claims cover the requested queue.
func JWTPolicy(secret []byte) engine.AccessFunc {
	return func(ctx context.Context, req engine.AccessRequest) error {
		c, ok := FromContext(ctx)
		if !ok || c.Token == "" {
			return ErrMissingCredentials
		}
		claims, err := ValidateToken(secret, c.Token)
		if err != nil {
			return err
		}
		switch req.Op {
		case engine.OpInspect, engine.OpCollect:
			if !claims.Admin {
				return fmt.Errorf("%w: %s requires an admin token", ErrForbidden, req.Op)
			}
		}
		if !claims.allows(req.Queue) {
			return fmt.Errorf("%w: queue %q", ErrForbidden, req.Queue)
		}
		return nil
	}
}
