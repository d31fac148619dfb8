package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"elibrary/internal/app"
	"elibrary/internal/util"
	"elibrary/pkg/auth"
	"elibrary/pkg/catalog"
	"elibrary/pkg/resettoken"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

type appErrorMapping struct {
	target error
	status int
	code   string
}

// First match wins.
var appErrors = []appErrorMapping{
	{app.ErrPasswordMismatch, http.StatusBadRequest, "AUTH_PASSWORD_MISMATCH"},
	{auth.ErrWeakPassword, http.StatusBadRequest, "AUTH_WEAK_PASSWORD"},
	{app.ErrInvalidInput, http.StatusBadRequest, "SYSTEM_INVALID_REQUEST"},
	{app.ErrUnsupportedFileType, http.StatusBadRequest, "BOOK_UNSUPPORTED_FILE_TYPE"},
	{catalog.ErrValidation, http.StatusBadRequest, "BOOK_INVALID_SUBMISSION"},
	{app.ErrCannotDemoteSelf, http.StatusBadRequest, "ADMIN_CANNOT_DEMOTE_SELF"},
	{app.ErrInvalidCredentials, http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS"},
	{app.ErrUnauthorized, http.StatusUnauthorized, "AUTH_INVALID_TOKEN"},
	{resettoken.ErrExpiredOrInvalid, http.StatusUnauthorized, "AUTH_RESET_TOKEN_INVALID"},
	{app.ErrForbidden, http.StatusForbidden, "AUTH_FORBIDDEN"},
	{app.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND"},
	{app.ErrBookNotFound, http.StatusNotFound, "BOOK_NOT_FOUND"},
	{app.ErrFileNotFound, http.StatusNotFound, "BOOK_FILE_NOT_FOUND"},
	{app.ErrRecommendationNotFound, http.StatusNotFound, "RECOMMENDATION_NOT_FOUND"},
	{app.ErrUsernameTaken, http.StatusConflict, "AUTH_USERNAME_TAKEN"},
	{app.ErrEmailTaken, http.StatusConflict, "AUTH_EMAIL_TAKEN"},
	{catalog.ErrDuplicateBook, http.StatusConflict, "BOOK_DUPLICATE_ISBN"},
	{catalog.ErrUnreadableDocument, http.StatusUnprocessableEntity, "BOOK_UNREADABLE_DOCUMENT"},
}

// writeAppError maps an app error to its status and code. Unmapped errors
// are logged and answered with a generic 500.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range appErrors {
		if errors.Is(err, m.target) {
			writeErrorCode(w, m.status, err.Error(), m.code)
			return
		}
	}
	util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
	writeErrorCode(w, http.StatusInternalServerError, "internal server error", "SYSTEM_INTERNAL_ERROR")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, errorCodeFor(status, msg))
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "file too large":
		return "BOOK_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "BOOK_FILE_REQUIRED"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "SYSTEM_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	case http.StatusRequestEntityTooLarge:
		return "BOOK_FILE_TOO_LARGE"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
