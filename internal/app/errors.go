package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("incorrect username, email or password")

	// ErrUnauthorized is returned for missing, expired or revoked session tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a non-admin calls an admin operation.
	ErrForbidden = errors.New("forbidden")

	ErrUsernameTaken    = errors.New("username already exists")
	ErrEmailTaken       = errors.New("email already exists")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrInvalidInput     = errors.New("invalid input")

	ErrUserNotFound           = errors.New("user not found")
	ErrBookNotFound           = errors.New("book not found")
	ErrFileNotFound           = errors.New("file not found")
	ErrRecommendationNotFound = errors.New("recommendation not found")
	ErrCannotDemoteSelf       = errors.New("admins cannot demote themselves")
	ErrUnsupportedFileType    = errors.New("unsupported file type")
)
