// Package auth turns the token presented on connect into a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

const (
	ModeStatic = "static"
	ModeJWT    = "jwt"
)

type Identity struct {
	UserID string   `json:"user_id"`
	Groups []string `json:"groups,omitempty"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

type Config struct {
	Mode      string
	Tokens    map[string]Identity
	JWTSecret string
	JWTIssuer string
}

func New(cfg Config) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeStatic:
		return NewStatic(cfg.Tokens), nil
	case ModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("jwt mode requires a secret")
		}
		return NewJWT([]byte(cfg.JWTSecret), cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// Static resolves tokens from a fixed table.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

func NewStatic(tokens map[string]Identity) *Static {
	s := &Static{}
	s.Set(tokens)
	return s
}

// Set replaces the token table.
func (s *Static) Set(tokens map[string]Identity) {
	cp := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	s.mu.Lock()
	s.tokens = cp
	s.mu.Unlock()
}

func (s *Static) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	s.mu.RLock()
	id, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok || id.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// Claims is the HS256 token body: sub is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups,omitempty"`
}

type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWT(secret []byte, issuer string) *JWT {
	return &JWT{secret: secret, issuer: issuer, now: time.Now}
}

func (j *JWT) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Groups: claims.Groups}, nil
}

// Issue signs a token for id. A zero ttl issues a token without expiry.
func (j *JWT) Issue(id Identity, ttl time.Duration) (string, error) {
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			Issuer:   j.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Groups: id.Groups,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
