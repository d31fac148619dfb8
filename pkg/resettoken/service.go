package resettoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"elibrary/pkg/auth"
)

const (
	// DefaultWindow is how long an issued token stays valid.
	DefaultWindow = 3600 * time.Second
	audience      = "password-reset"
)

// ErrExpiredOrInvalid is returned for tokens that are malformed, forged,
// older than the validity window or already used.
var ErrExpiredOrInvalid = errors.New("reset token expired or invalid")

// PasswordWriter overwrites the password hash of the user owning email.
type PasswordWriter interface {
	UpdatePasswordHash(ctx context.Context, email, hash string) (bool, error)
}

// UsedTokenSet records consumed token ids. When configured, tokens are single-use.
type UsedTokenSet interface {
	// MarkUsed records jti for ttl and reports false when it was already recorded.
	MarkUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	IsUsed(ctx context.Context, jti string) (bool, error)
}

// Config configures the service.
type Config struct {
	Secret string
	Window time.Duration
	Used   UsedTokenSet
}

// Service issues and redeems stateless password reset tokens.
type Service struct {
	secret []byte
	window time.Duration
	used   UsedTokenSet
	users  PasswordWriter
	now    func() time.Time
}

type claims struct {
	Email string `json:"email"`
	// iat is whole seconds; the window is measured from this instead.
	IssuedAtMillis int64 `json:"iat_ms"`
	jwt.RegisteredClaims
}

func (c claims) issuedAt() time.Time {
	return time.UnixMilli(c.IssuedAtMillis)
}

// New builds a reset-token service.
func New(cfg Config, users PasswordWriter) (*Service, error) {
	if len(strings.TrimSpace(cfg.Secret)) < 16 {
		return nil, errors.New("reset token secret must be at least 16 characters")
	}
	if users == nil {
		return nil, errors.New("password writer required")
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		secret: []byte(cfg.Secret),
		window: window,
		used:   cfg.Used,
		users:  users,
		now:    time.Now,
	}, nil
}

// Window returns the validity window of issued tokens.
func (s *Service) Window() time.Duration {
	return s.window
}

// Issue signs a token carrying email and the issue time.
func (s *Service) Issue(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("email required")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:          email,
		IssuedAtMillis: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{audience},
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign reset token: %w", err)
	}
	return signed, nil
}

// Validate returns the email a token was issued for.
func (s *Service) Validate(ctx context.Context, token string) (string, error) {
	c, err := s.parse(token)
	if err != nil {
		return "", err
	}
	if s.used != nil {
		used, err := s.used.IsUsed(ctx, c.ID)
		if err != nil {
			return "", fmt.Errorf("check reset token: %w", err)
		}
		if used {
			return "", ErrExpiredOrInvalid
		}
	}
	return c.Email, nil
}

// Apply sets newPassword for the user the token was issued to.
// A token whose email matches no user is accepted without effect.
func (s *Service) Apply(ctx context.Context, token, newPassword string) error {
	c, err := s.parse(token)
	if err != nil {
		return err
	}
	if s.used != nil {
		first, err := s.used.MarkUsed(ctx, c.ID, s.remaining(c))
		if err != nil {
			return fmt.Errorf("mark reset token: %w", err)
		}
		if !first {
			return ErrExpiredOrInvalid
		}
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := s.users.UpdatePasswordHash(ctx, c.Email, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *Service) parse(token string) (claims, error) {
	var c claims
	token = strings.TrimSpace(token)
	if token == "" {
		return c, ErrExpiredOrInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return c, ErrExpiredOrInvalid
	}
	if c.IssuedAt == nil || c.IssuedAtMillis <= 0 || strings.TrimSpace(c.Email) == "" || c.ID == "" {
		return c, ErrExpiredOrInvalid
	}
	if s.now().Sub(c.issuedAt()) > s.window {
		return c, ErrExpiredOrInvalid
	}
	return c, nil
}

func (s *Service) remaining(c claims) time.Duration {
	left := c.issuedAt().Add(s.window).Sub(s.now())
	if left < time.Second {
		return time.Second
	}
	return left
}
