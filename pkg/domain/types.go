package domain

import "time"

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Publisher struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Author identity is the (Name, Country, Birth) triple.
type Author struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
	Birth   string `json:"birth"`
}

type Book struct {
	ID          string    `json:"id"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	Year        string    `json:"year"`
	PublisherID string    `json:"publisherId"`
	Pages       int       `json:"pages"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BookFiles holds the storage keys of a book's document and cover image.
type BookFiles struct {
	BookID       string `json:"bookId"`
	DocumentPath string `json:"-"`
	CoverPath    string `json:"-"`
}

// ShelfEntry is the read model rendered on the shelf.
type ShelfEntry struct {
	BookID    string   `json:"bookId"`
	ISBN      string   `json:"isbn"`
	Title     string   `json:"title"`
	Year      string   `json:"year"`
	Pages     int      `json:"pages"`
	Publisher string   `json:"publisher"`
	Authors   []string `json:"authors"`
}

type Recommendation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"recommendation"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthorInput is one co-author of a submission, in display order.
type AuthorInput struct {
	Name    string `json:"name"`
	Country string `json:"country"`
	Birth   string `json:"birth"`
}

// Submission is a book entry ready for the catalog.
type Submission struct {
	ISBN         string        `json:"isbn"`
	Title        string        `json:"title"`
	Publisher    string        `json:"publisher"`
	Year         string        `json:"year"`
	Authors      []AuthorInput `json:"authors"`
	DocumentPath string        `json:"-"`
	CoverPath    string        `json:"-"`
}
