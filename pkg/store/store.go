package store

import (
	"context"
	"errors"
	"time"

	"elibrary/pkg/domain"
)

var (
	// ErrDuplicate is returned when a unique index rejects a write.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound is returned when a row required by a write is missing.
	ErrNotFound = errors.New("record not found")
)

// ShelfFilter narrows the shelf listing. Empty fields match everything.
type ShelfFilter struct {
	Title  string
	Author string
}

// Store defines persistence operations for users, admins, the catalog and recommendations.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UserCount(ctx context.Context) (int, error)
	UpdatePasswordHash(ctx context.Context, email, hash string) (bool, error)

	// admins
	IsAdmin(ctx context.Context, userID string) (bool, error)
	AddAdmin(ctx context.Context, userID string) error
	RemoveAdmin(ctx context.Context, userID string) error

	// catalog
	CatalogTxRunner
	HasISBN(ctx context.Context, isbn string) (bool, error)
	GetBookFiles(ctx context.Context, bookID string) (domain.BookFiles, bool, error)
	DeleteBook(ctx context.Context, bookID string) error
	ListShelf(ctx context.Context, filter ShelfFilter) ([]domain.ShelfEntry, error)

	// recommendations
	AddRecommendation(ctx context.Context, rec domain.Recommendation) error
	ListRecommendations(ctx context.Context) ([]domain.Recommendation, error)
	DeleteRecommendationsByText(ctx context.Context, text string) (int, error)
}

// CatalogTxRunner runs fn inside one all-or-nothing catalog transaction.
// When fn returns an error every write made through the CatalogTx is discarded.
type CatalogTxRunner interface {
	WithinCatalogTx(ctx context.Context, fn func(CatalogTx) error) error
}

// CatalogTx is the set of catalog writes available inside a transaction.
type CatalogTx interface {
	ISBNExists(isbn string) (bool, error)
	FindPublisher(name string) (domain.Publisher, bool, error)
	// CreatePublisher inserts p or, when another writer created the same
	// name first, returns the existing row.
	CreatePublisher(p domain.Publisher) (domain.Publisher, error)
	FindAuthor(name, country, birth string) (domain.Author, bool, error)
	// CreateAuthor inserts a or returns the row already holding its identity triple.
	CreateAuthor(a domain.Author) (domain.Author, error)
	// CreateBook returns ErrDuplicate when the ISBN is taken.
	CreateBook(b domain.Book) error
	CreateBookFiles(f domain.BookFiles) error
	LinkAuthor(authorID, bookID string, position int) error
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
