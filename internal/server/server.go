package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"elibrary/internal/app"
	"elibrary/internal/ratelimit"
	"elibrary/internal/util"
	"elibrary/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	Redis                      redis.UniversalClient
	TrustedProxies             *util.TrustedProxies
	CORSAllowedOrigin          string
	SignupRateLimitPerMinute   int
	LoginRateLimitPerMinute    int
	PasswordRateLimitPerMinute int
	MaxUploadBytes             int64
}

// Server exposes the library HTTP API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	validate        *validator.Validate
	trusted         *util.TrustedProxies
	corsOrigin      string
	maxUploadBytes  int64
	signupLimiter   ratelimit.Limiter
	loginLimiter    ratelimit.Limiter
	passwordLimiter ratelimit.Limiter
}

// New constructs the server with routes configured. A rate limit of 0
// disables that limiter; positive limits need Redis.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	newLimiter := func(name string, limit int) (ratelimit.Limiter, error) {
		if limit <= 0 {
			return ratelimit.Unlimited{}, nil
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis, "elibrary:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", cfg.SignupRateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", cfg.LoginRateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	passwordLimiter, err := newLimiter("password", cfg.PasswordRateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		trusted:         cfg.TrustedProxies,
		corsOrigin:      cfg.CORSAllowedOrigin,
		maxUploadBytes:  normalizeMaxBytes(cfg.MaxUploadBytes),
		signupLimiter:   signupLimiter,
		loginLimiter:    loginLimiter,
		passwordLimiter: passwordLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigin, h)
	h = util.WithNoCache(h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(s.trusted, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/api/auth/forgot_password", s.handleForgotPassword)
	s.mux.HandleFunc("/reset_password/", s.handleResetPassword)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// catalog
	s.mux.Handle("/api/shelf", s.authenticated(s.handleShelf))
	s.mux.Handle("/api/books", s.authenticated(s.handleBooks))
	s.mux.Handle("/api/books/", s.authenticated(s.handleBookByID))
	s.mux.Handle("/api/recommendations", s.authenticated(s.handleRecommendations))

	// admin
	s.mux.Handle("/api/admin/users", s.authenticated(s.handleAdminUsers))
	s.mux.Handle("/api/admin/users/", s.authenticated(s.handleAdminUserByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

// authenticated resolves the bearer token to a user. Admin rights are
// checked by the app layer against the store on each admin operation.
func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.Authenticate(r.Context(), token)
		if err != nil {
			s.audit(r, "auth.authorize", "fail", "reason", "invalid_token")
			s.writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many registration attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req registerRequest
	if !s.decodeAndValidate(w, r, &req) {
		s.audit(r, "auth.register", "fail", "reason", "invalid_request")
		return
	}
	user, token, err := s.app.Register(r.Context(), app.RegisterInput{
		Name:            req.Name,
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if !s.decodeAndValidate(w, r, &req) {
		s.audit(r, "auth.login", "fail", "reason", "invalid_request")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "auth.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.passwordLimiter, "too many password reset requests") {
		s.audit(r, "auth.password.forgot", "rate_limited")
		return
	}
	var req forgotPasswordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.app.ForgotPassword(r.Context(), req.Email); err != nil {
		s.audit(r, "auth.password.forgot", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.password.forgot", "success")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "If an account exists for that email, a reset link has been sent.",
	})
}

// /reset_password/{token}
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/reset_password/")
	if token == "" || strings.Contains(token, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		email, err := s.app.ValidateReset(r.Context(), token)
		if err != nil {
			s.audit(r, "auth.password.reset_check", "fail", "reason", err.Error())
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "email": email})
	case http.MethodPost:
		if !s.allowRate(w, r, s.passwordLimiter, "too many password reset attempts") {
			s.audit(r, "auth.password.reset", "rate_limited")
			return
		}
		req, ok := s.decodeResetRequest(w, r)
		if !ok {
			return
		}
		if err := s.app.ResetPassword(r.Context(), token, req.NewPassword, req.ConfirmPassword); err != nil {
			s.audit(r, "auth.password.reset", "fail", "reason", err.Error())
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "auth.password.reset", "success")
		writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
	default:
		methodNotAllowed(w)
	}
}

// decodeResetRequest accepts a JSON body or the HTML form fields of the reset page.
func (s *Server) decodeResetRequest(w http.ResponseWriter, r *http.Request) (resetPasswordRequest, bool) {
	var req resetPasswordRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return req, false
		}
		req.NewPassword = r.PostFormValue("new_password")
		req.ConfirmPassword = r.PostFormValue("confirm_password")
		if req.ConfirmPassword == "" {
			req.ConfirmPassword = req.NewPassword
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return req, false
		}
		return req, true
	}
	if !s.decodeAndValidate(w, r, &req) {
		return req, false
	}
	return req, true
}

// catalog handlers
func (s *Server) handleShelf(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	res, err := s.app.Shelf(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shelfResponse{ShelfResult: res, Count: len(res.Books)})
}

// /api/books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.handleUploadBook(w, r, user)
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.RequireAdmin(r.Context(), user); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	authors, err := parseAuthors(r.MultipartForm.Value)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	doc, docHeader, err := r.FormFile("pdf_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: pdf_file)")
		return
	}
	defer doc.Close()
	cover, coverHeader, err := r.FormFile("cover_image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: cover_image)")
		return
	}
	defer cover.Close()

	bookID, err := s.app.AddBook(r.Context(), user, app.BookUpload{
		ISBN:      r.FormValue("isbn"),
		Title:     r.FormValue("title"),
		Publisher: r.FormValue("publisher"),
		Year:      r.FormValue("year"),
		Authors:   authors,
		Document:  app.UploadFile{Filename: docHeader.Filename, Size: docHeader.Size, Content: doc},
		Cover:     app.UploadFile{Filename: coverHeader.Filename, Size: coverHeader.Size, Content: cover},
	})
	if err != nil {
		s.audit(r, "catalog.book.add", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "catalog.book.add", "success", "user_id", user.ID, "book_id", bookID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": bookID})
}

// /api/books/{id}, /api/books/{id}/file or /api/books/{id}/cover
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "file":
			s.handleDownload(w, r, id, app.FileDocument)
		case "cover":
			s.handleDownload(w, r, id, app.FileCover)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteBook(r.Context(), user, id); err != nil {
		s.audit(r, "catalog.book.delete", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "catalog.book.delete", "success", "user_id", user.ID, "book_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string, kind app.FileKind) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rc, info, name, err := s.app.OpenBookFile(r.Context(), id, kind)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	disposition := "attachment"
	if kind == app.FileCover {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": name}))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		util.LoggerFromContext(r.Context()).Warn("download_interrupted", "book_id", id, "err", err)
	}
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var req recommendationRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		rec, err := s.app.Recommend(r.Context(), user, req.Recommendation)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	case http.MethodGet:
		recs, err := s.app.ListRecommendations(r.Context(), user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": recs,
			"count": len(recs),
		})
	case http.MethodDelete:
		var req recommendationRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		n, err := s.app.DeleteRecommendation(r.Context(), user, req.Recommendation)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	default:
		methodNotAllowed(w)
	}
}

// admin handlers
func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsers(r.Context(), user)
	if err != nil {
		s.audit(r, "admin.users.list", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

// /api/admin/users/{id}/promote or /api/admin/users/{id}/demote
func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/admin/users/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, action := parts[0], parts[1]
	var (
		updated domain.User
		err     error
	)
	switch action {
	case "promote":
		updated, err = s.app.Promote(r.Context(), user, id)
	case "demote":
		updated, err = s.app.Demote(r.Context(), user, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	event := "admin.users." + action
	if err != nil {
		s.audit(r, event, "fail", "user_id", user.ID, "target_id", id, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, event, "success", "user_id", user.ID, "target_id", id)
	writeJSON(w, http.StatusOK, updated)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type registerRequest struct {
	Name            string `json:"name" validate:"required,max=100"`
	Username        string `json:"username" validate:"required,max=50"`
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,max=72"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Password   string `json:"password" validate:"required,max=72"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type resetPasswordRequest struct {
	NewPassword     string `json:"new_password" validate:"required,max=72"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

type recommendationRequest struct {
	Recommendation string `json:"recommendation" validate:"required,max=1000"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type shelfResponse struct {
	app.ShelfResult
	Count int `json:"count"`
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	default:
		return field + " is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 64 << 20
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	ok, retryAfter := limiter.Allow(r.Context(), key)
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
