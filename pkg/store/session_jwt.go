package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultJWTIssuer   = "elibrary"
	defaultJWTAudience = "elibrary-web"
	defaultJWTLeeway   = 30 * time.Second
	minSessionSecret   = 16
)

var (
	// ErrInvalidSession is returned for tokens that fail signature or claim checks.
	ErrInvalidSession = errors.New("invalid session")
	// ErrSessionRevoked is returned for tokens revoked by logout or a password reset.
	ErrSessionRevoked = errors.New("session revoked")
)

// JWTOptions tunes claim validation. Zero values fall back to defaults.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTSessionStore issues HS256 session tokens. Only the user id travels in the
// token; admin rights are looked up per request.
type JWTSessionStore struct {
	key     []byte
	ttl     time.Duration
	opts    JWTOptions
	revoker TokenRevoker
	now     func() time.Time
}

// NewJWTSessionStore builds a session store. revoker may be nil, in which case
// logout is a no-op and tokens live until they expire.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	if len(strings.TrimSpace(secret)) < minSessionSecret {
		return nil, fmt.Errorf("session secret must be at least %d characters", minSessionSecret)
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	opts.Issuer = firstNonEmpty(opts.Issuer, defaultJWTIssuer)
	opts.Audience = firstNonEmpty(opts.Audience, defaultJWTAudience)
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return &JWTSessionStore{
		key:     []byte(secret),
		ttl:     ttl,
		opts:    opts,
		revoker: revoker,
		now:     time.Now,
	}, nil
}

// NewSession signs a token for userID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}
	issued := s.now().UTC()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		Issuer:    s.opts.Issuer,
		Audience:  jwt.ClaimStrings{s.opts.Audience},
		IssuedAt:  jwt.NewNumericDate(issued),
		NotBefore: jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
	}).SignedString(s.key)
}

// GetUserIDByToken verifies token and reports its user id.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.verify(token)
	if err != nil {
		return "", false, err
	}
	if err := s.checkRevoked(claims); err != nil {
		return "", false, err
	}
	return claims.Subject, true, nil
}

// DeleteSession revokes token for the rest of its lifetime. Tokens that no
// longer verify are already unusable and are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.verify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, claims.ExpiresAt.Time.Sub(s.now()))
}

// RevokeUserSessions revokes every session of userID issued up to since.
func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support user revocation")
	}
	return users.RevokeUser(userID, since)
}

func (s *JWTSessionStore) checkRevoked(claims *jwt.RegisteredClaims) error {
	if s.revoker == nil {
		return nil
	}
	revoked, err := s.revoker.IsRevoked(claims.ID)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return ErrSessionRevoked
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return nil
	}
	cutoff, err := users.RevokedAfter(claims.Subject)
	if err != nil {
		return fmt.Errorf("check user revocation: %w", err)
	}
	// iat has second precision, so a token from the cutoff second is revoked too.
	if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff.Truncate(time.Second)) {
		return ErrSessionRevoked
	}
	return nil
}

// verify checks signature, algorithm, issuer, audience and time claims, and
// requires the jti, sub, iat and exp claims to be present.
func (s *JWTSessionStore) verify(token string) (*jwt.RegisteredClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidSession
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithAudience(s.opts.Audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.opts.Leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidSession
	}
	if strings.TrimSpace(claims.ID) == "" || strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

func firstNonEmpty(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
