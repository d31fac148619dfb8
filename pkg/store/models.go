package store

import "time"

// GORM models used for persistence. Table names follow the library schema.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Username  string    `gorm:"not null"`
	Mail      string    `gorm:"not null"`
	Hash      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type AdminModel struct {
	UserID string `gorm:"primaryKey"`
}

func (AdminModel) TableName() string { return "admins" }

type PublisherModel struct {
	ID        string `gorm:"primaryKey"`
	Publisher string `gorm:"uniqueIndex;not null"`
}

func (PublisherModel) TableName() string { return "publishers" }

type AuthorModel struct {
	ID      string `gorm:"primaryKey"`
	Name    string `gorm:"not null;uniqueIndex:idx_author_identity,priority:1"`
	Country string `gorm:"not null;uniqueIndex:idx_author_identity,priority:2"`
	Birth   string `gorm:"not null;uniqueIndex:idx_author_identity,priority:3"`
}

func (AuthorModel) TableName() string { return "authors" }

type BookModel struct {
	ID          string    `gorm:"primaryKey"`
	ISBN        string    `gorm:"uniqueIndex;not null"`
	Title       string    `gorm:"not null;index"`
	Year        string    `gorm:"not null"`
	PublisherID string    `gorm:"not null;index"`
	Pages       int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

type FileModel struct {
	BookID      string `gorm:"primaryKey"`
	BookPath    string `gorm:"not null"`
	BookImgPath string `gorm:"not null"`
}

func (FileModel) TableName() string { return "files" }

type AuthoredModel struct {
	AuthorID string `gorm:"primaryKey"`
	BookID   string `gorm:"primaryKey;index"`
	Position int    `gorm:"not null"`
}

func (AuthoredModel) TableName() string { return "authored" }

type RecommendationModel struct {
	ID             string    `gorm:"primaryKey"`
	UserID         string    `gorm:"not null;index"`
	Recommendation string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

func (RecommendationModel) TableName() string { return "recommendations" }
