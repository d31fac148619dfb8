package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"elibrary/pkg/catalog"
	"elibrary/pkg/mail"
	"elibrary/pkg/resettoken"
	"elibrary/pkg/storage"
	"elibrary/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL        string
	PublicBaseURL      string
	DocumentExtensions []string
	CoverExtensions    []string

	Store    store.Store
	Sessions store.SessionStore
	Objects  storage.ObjectStore
	Resets   *resettoken.Service
	Notifier *mail.Notifier
}

// App is the core application service wiring together storage, catalog and mail.
type App struct {
	store    store.Store
	sessions store.SessionStore
	objects  storage.ObjectStore
	engine   *catalog.Engine
	resets   *resettoken.Service
	notifier *mail.Notifier
	validate *validator.Validate

	publicBaseURL string
	documentExts  map[string]struct{}
	coverExts     map[string]struct{}
	now           func() time.Time
}

// New constructs the application. Store falls back to Postgres at DatabaseURL.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("session store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Resets == nil:
		return nil, errors.New("reset token service required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = mail.NewNotifier(mail.LogSender{}, "", cfg.Resets.Window())
	}
	if len(cfg.DocumentExtensions) == 0 {
		cfg.DocumentExtensions = []string{".pdf"}
	}
	if len(cfg.CoverExtensions) == 0 {
		cfg.CoverExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}
	}
	return &App{
		store:         dataStore,
		sessions:      cfg.Sessions,
		objects:       cfg.Objects,
		engine:        catalog.NewEngine(dataStore),
		resets:        cfg.Resets,
		notifier:      cfg.Notifier,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		documentExts:  extensionSet(cfg.DocumentExtensions),
		coverExts:     extensionSet(cfg.CoverExtensions),
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func extensionSet(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

func hasExtension(set map[string]struct{}, filename string) bool {
	_, ok := set[strings.ToLower(filepath.Ext(filename))]
	return ok
}
