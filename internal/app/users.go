package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"elibrary/internal/util"
	"elibrary/pkg/auth"
	"elibrary/pkg/catalog"
	"elibrary/pkg/domain"
	"elibrary/pkg/store"
)

// RegisterInput is the sign-up form.
type RegisterInput struct {
	Name            string
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Register creates a member account and issues a session token.
// The first account ever created is made an admin.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.User, string, error) {
	name := catalog.TitleCase(strings.TrimSpace(in.Name))
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	switch {
	case name == "" || username == "" || email == "":
		return domain.User{}, "", fmt.Errorf("%w: name, username and email are required", ErrInvalidInput)
	case !a.isEmail(email):
		return domain.User{}, "", fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	case in.Password != in.ConfirmPassword:
		return domain.User{}, "", ErrPasswordMismatch
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, "", err
	}
	if _, ok, err := a.store.GetUserByUsername(ctx, username); err != nil {
		return domain.User{}, "", fmt.Errorf("check username: %w", err)
	} else if ok {
		return domain.User{}, "", ErrUsernameTaken
	}
	if _, ok, err := a.store.GetUserByEmail(ctx, email); err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	} else if ok {
		return domain.User{}, "", ErrEmailTaken
	}
	count, err := a.store.UserCount(ctx)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("count users: %w", err)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    a.now(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, "", a.duplicateUserError(ctx, email)
		}
		return domain.User{}, "", fmt.Errorf("create user: %w", err)
	}
	if count == 0 {
		if err := a.store.AddAdmin(ctx, user.ID); err != nil {
			return domain.User{}, "", fmt.Errorf("grant first admin: %w", err)
		}
		user.IsAdmin = true
		util.LoggerFromContext(ctx).Info("first_admin_granted", "user_id", user.ID)
	}
	a.notifier.Welcome(ctx, user.Email, user.Name)

	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// duplicateUserError tells a lost insert race on email apart from one on username.
func (a *App) duplicateUserError(ctx context.Context, email string) error {
	if _, ok, err := a.store.GetUserByEmail(ctx, email); err == nil && ok {
		return ErrEmailTaken
	}
	return ErrUsernameTaken
}

// Login checks credentials and issues a session token. The identifier is
// treated as an email address when it parses as one, otherwise as a username.
func (a *App) Login(ctx context.Context, identifier, password string) (domain.User, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return domain.User{}, "", ErrInvalidCredentials
	}
	var (
		user domain.User
		ok   bool
		err  error
	)
	if a.isEmail(identifier) {
		user, ok, err = a.store.GetUserByEmail(ctx, identifier)
	} else {
		user, ok, err = a.store.GetUserByUsername(ctx, identifier)
	}
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the session token.
func (a *App) Logout(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrUnauthorized
	}
	if err := a.sessions.DeleteSession(token); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// Authenticate resolves a session token to its user. The admin flag is read
// from the store on every call.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// RequireAdmin checks the admins table for actor.
func (a *App) RequireAdmin(ctx context.Context, actor domain.User) error {
	ok, err := a.store.IsAdmin(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// ListUsers returns every account with its admin flag.
func (a *App) ListUsers(ctx context.Context, actor domain.User) ([]domain.User, error) {
	if err := a.RequireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return a.store.ListUsers(ctx)
}

// Promote grants the admin role and mails the user.
func (a *App) Promote(ctx context.Context, actor domain.User, userID string) (domain.User, error) {
	if err := a.RequireAdmin(ctx, actor); err != nil {
		return domain.User{}, err
	}
	user, err := a.getUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if user.IsAdmin {
		return user, nil
	}
	if err := a.store.AddAdmin(ctx, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("add admin: %w", err)
	}
	user.IsAdmin = true
	util.LoggerFromContext(ctx).Info("admin_promoted", "user_id", user.ID, "by", actor.ID)
	a.notifier.AdminPromoted(ctx, user.Email, user.Name)
	return user, nil
}

// Demote removes the admin role and mails the user. Admins cannot demote themselves.
func (a *App) Demote(ctx context.Context, actor domain.User, userID string) (domain.User, error) {
	if err := a.RequireAdmin(ctx, actor); err != nil {
		return domain.User{}, err
	}
	if strings.TrimSpace(userID) == actor.ID {
		return domain.User{}, ErrCannotDemoteSelf
	}
	user, err := a.getUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if !user.IsAdmin {
		return user, nil
	}
	if err := a.store.RemoveAdmin(ctx, user.ID); err != nil {
		return domain.User{}, fmt.Errorf("remove admin: %w", err)
	}
	user.IsAdmin = false
	util.LoggerFromContext(ctx).Info("admin_demoted", "user_id", user.ID, "by", actor.ID)
	a.notifier.AdminDemoted(ctx, user.Email, user.Name)
	return user, nil
}

func (a *App) getUser(ctx context.Context, userID string) (domain.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.User{}, ErrUserNotFound
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

func (a *App) isEmail(s string) bool {
	return a.validate.Var(s, "required,email") == nil
}
