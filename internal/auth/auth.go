package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// EnvSecret holds the HS256 signing secret. When unset the API runs
	// without bearer authentication (dev mode) and callers name the signer
	// explicitly.
	EnvSecret = "SONICPACT_AUTH_SECRET"

	defaultIssuer = "sonicpact-api"
	defaultTTL    = 1 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// Service issues and verifies bearer tokens whose subject is a signer wallet
// address. Token possession is only transport-level identity: every lifecycle
// operation re-validates the signer against the deal record itself.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Service from the given secret.
func New(secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: secret is required")
	}
	s := &Service{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromEnv returns (nil, nil) when no secret is configured.
func NewFromEnv(opts ...Option) (*Service, error) {
	secret := os.Getenv(EnvSecret)
	if strings.TrimSpace(secret) == "" {
		return nil, nil
	}
	return New(secret, opts...)
}

// IssueToken mints a bearer token for the given wallet address.
func (s *Service) IssueToken(address string) (string, time.Time, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", time.Time{}, errors.New("auth: address is required")
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   address,
		Issuer:    s.issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// VerifyToken returns the signer address a valid token was issued for.
func (s *Service) VerifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

type ctxKey string

const signerKey ctxKey = "auth_signer"

// ContextWithSigner records the authenticated signer address.
func ContextWithSigner(ctx context.Context, address string) context.Context {
	if strings.TrimSpace(address) == "" {
		return ctx
	}
	return context.WithValue(ctx, signerKey, address)
}

// SignerFromContext returns the authenticated signer address, if any.
func SignerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(signerKey).(string)
	return v, ok && v != ""
}
