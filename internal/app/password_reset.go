package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"elibrary/internal/util"
	"elibrary/pkg/auth"
	"elibrary/pkg/store"
)

// ForgotPassword mails a reset link when email belongs to a user. The
// outcome is the same for unknown addresses.
func (a *App) ForgotPassword(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !a.isEmail(email) {
		return fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		util.LoggerFromContext(ctx).Info("password_reset_unknown_email")
		return nil
	}
	token, err := a.resets.Issue(user.Email)
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}
	a.notifier.PasswordReset(ctx, user.Email, a.ResetLink(token))
	util.LoggerFromContext(ctx).Info("password_reset_requested", "user_id", user.ID)
	return nil
}

// ResetLink is the public URL of the reset page for token.
func (a *App) ResetLink(token string) string {
	return a.publicBaseURL + "/reset_password/" + url.PathEscape(token)
}

// ValidateReset returns the email a reset token was issued for.
func (a *App) ValidateReset(ctx context.Context, token string) (string, error) {
	return a.resets.Validate(ctx, token)
}

// ResetPassword applies a new password through a reset token and revokes
// the user's existing sessions.
func (a *App) ResetPassword(ctx context.Context, token, newPassword, confirm string) error {
	if newPassword != confirm {
		return ErrPasswordMismatch
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	email, err := a.resets.Validate(ctx, token)
	if err != nil {
		return err
	}
	if err := a.resets.Apply(ctx, token, newPassword); err != nil {
		return err
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil || !ok {
		return nil
	}
	if revoker, ok := a.sessions.(store.UserSessionRevoker); ok {
		if err := revoker.RevokeUserSessions(user.ID, a.now()); err != nil {
			util.LoggerFromContext(ctx).Warn("session_revoke_failed", "user_id", user.ID, "err", err)
		}
	}
	util.LoggerFromContext(ctx).Info("password_reset_applied", "user_id", user.ID)
	return nil
}
