package resettoken

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"elibrary/pkg/auth"
)

const testSecret = "reset-secret-for-tests-only"

type recordingWriter struct {
	emails map[string]string
	calls  int
}

func (w *recordingWriter) UpdatePasswordHash(_ context.Context, email, hash string) (bool, error) {
	w.calls++
	if _, ok := w.emails[email]; !ok {
		return false, nil
	}
	w.emails[email] = hash
	return true, nil
}

func newTestService(t *testing.T, used UsedTokenSet) (*Service, *recordingWriter, *time.Time) {
	t.Helper()
	writer := &recordingWriter{emails: map[string]string{"jane@example.com": "old"}}
	s, err := New(Config{Secret: testSecret, Used: used}, writer)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, writer, &clock
}

func TestIssueValidateRoundTrip(t *testing.T) {
	s, _, _ := newTestService(t, nil)
	token, err := s.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	email, err := s.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if email != "jane@example.com" {
		t.Fatalf("email = %q", email)
	}
	if again, err := s.Validate(context.Background(), token); err != nil || again != email {
		t.Fatalf("expected repeat validate to succeed, got %q err=%v", again, err)
	}
}

func TestValidateWindowBoundary(t *testing.T) {
	s, _, clock := newTestService(t, nil)
	token, err := s.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	issued := *clock

	*clock = issued.Add(3600 * time.Second)
	if _, err := s.Validate(context.Background(), token); err != nil {
		t.Fatalf("expected token valid at the window edge, got %v", err)
	}
	*clock = issued.Add(3601 * time.Second)
	if _, err := s.Validate(context.Background(), token); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected ErrExpiredOrInvalid after window, got %v", err)
	}
}

func TestValidateWindowUsesSubSecondIssueTime(t *testing.T) {
	s, _, clock := newTestService(t, nil)
	issued := clock.Add(900 * time.Millisecond)
	*clock = issued
	token, err := s.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for _, elapsed := range []time.Duration{3599*time.Second + 500*time.Millisecond, 3600 * time.Second} {
		*clock = issued.Add(elapsed)
		if _, err := s.Validate(context.Background(), token); err != nil {
			t.Fatalf("expected token valid after %s, got %v", elapsed, err)
		}
	}
	*clock = issued.Add(3600*time.Second + time.Millisecond)
	if _, err := s.Validate(context.Background(), token); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected ErrExpiredOrInvalid past the window, got %v", err)
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	s, _, _ := newTestService(t, nil)
	token, err := s.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, err := New(Config{Secret: "a-different-secret-value"}, &recordingWriter{})
	if err != nil {
		t.Fatalf("new other: %v", err)
	}
	if _, err := other.Validate(context.Background(), token); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected foreign secret to fail, got %v", err)
	}

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: "mallory@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{"session"},
			IssuedAt: jwt.NewNumericDate(s.now()),
			ID:       "jti",
		},
	})
	signed, err := forged.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Validate(context.Background(), signed); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected wrong audience to fail, got %v", err)
	}

	parts := strings.Split(token, ".")
	parts[1] = parts[1][:len(parts[1])-2] + "xx"
	if _, err := s.Validate(context.Background(), strings.Join(parts, ".")); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected modified payload to fail, got %v", err)
	}
	if _, err := s.Validate(context.Background(), ""); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected empty token to fail, got %v", err)
	}
}

func TestApplyUpdatesPassword(t *testing.T) {
	s, writer, _ := newTestService(t, nil)
	token, err := s.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := s.Apply(context.Background(), token, "N3w#pass"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !auth.CheckPassword("N3w#pass", writer.emails["jane@example.com"]) {
		t.Fatalf("expected stored hash to match new password")
	}
}

func TestApplyUnknownEmailIsNoop(t *testing.T) {
	s, writer, _ := newTestService(t, nil)
	token, err := s.Issue("ghost@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := s.Apply(context.Background(), token, "N3w#pass"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if writer.emails["jane@example.com"] != "old" {
		t.Fatalf("expected other users untouched")
	}
}

func TestApplyRejectsExpiredToken(t *testing.T) {
	s, writer, clock := newTestService(t, nil)
	token, err := s.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	*clock = clock.Add(2 * time.Hour)
	if err := s.Apply(context.Background(), token, "N3w#pass"); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected ErrExpiredOrInvalid, got %v", err)
	}
	if writer.calls != 0 {
		t.Fatalf("expected no password writes")
	}
}

func TestApplySingleUseWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, writer, _ := newTestService(t, NewRedisUsedTokens(client, "test:reset"))
	token, err := s.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := s.Apply(context.Background(), token, "N3w#pass"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := s.Apply(context.Background(), token, "An0ther#"); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected second apply to fail, got %v", err)
	}
	if _, err := s.Validate(context.Background(), token); !errors.Is(err, ErrExpiredOrInvalid) {
		t.Fatalf("expected validate after use to fail, got %v", err)
	}
	if writer.calls != 1 {
		t.Fatalf("password writes = %d, want 1", writer.calls)
	}
	if ttl := mr.TTL("test:reset:" + mustJTI(t, token)); ttl <= 0 || ttl > DefaultWindow {
		t.Fatalf("unexpected used-token ttl %v", ttl)
	}
}

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := New(Config{Secret: "short"}, &recordingWriter{}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func mustJTI(t *testing.T, token string) string {
	t.Helper()
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		t.Fatalf("parse unverified: %v", err)
	}
	return c.ID
}
