package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"elibrary/pkg/domain"
)

const migrateLockID int64 = 51807221

// authorSeparator joins aggregated author names in shelf queries.
const authorSeparator = "\x1f"

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already opened connection without migrating it.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&UserModel{},
		&AdminModel{},
		&PublisherModel{},
		&AuthorModel{},
		&BookModel{},
		&FileModel{},
		&AuthoredModel{},
		&RecommendationModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := ensureUserIndexes(tx); err != nil {
		return err
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND table_name = 'admins'
				AND constraint_name = 'admins_user_id_fkey'
			) THEN
				ALTER TABLE admins
				ADD CONSTRAINT admins_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND table_name = 'books'
				AND constraint_name = 'books_publisher_id_fkey'
			) THEN
				ALTER TABLE books
				ADD CONSTRAINT books_publisher_id_fkey
				FOREIGN KEY (publisher_id) REFERENCES publishers(id);
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND table_name = 'files'
				AND constraint_name = 'files_book_id_fkey'
			) THEN
				ALTER TABLE files
				ADD CONSTRAINT files_book_id_fkey
				FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND table_name = 'authored'
				AND constraint_name = 'authored_book_id_fkey'
			) THEN
				ALTER TABLE authored
				ADD CONSTRAINT authored_book_id_fkey
				FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE CASCADE;
				ALTER TABLE authored
				ADD CONSTRAINT authored_author_id_fkey
				FOREIGN KEY (author_id) REFERENCES authors(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND table_name = 'recommendations'
				AND constraint_name = 'recommendations_user_id_fkey'
			) THEN
				ALTER TABLE recommendations
				ADD CONSTRAINT recommendations_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure foreign keys: %w", err)
	}
	return nil
}

// Usernames and mails are unique ignoring case, matching the LOWER lookups.
var userIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_lower ON users (LOWER(username))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_mail_lower ON users (LOWER(mail))`,
}

func ensureUserIndexes(tx *gorm.DB) error {
	for _, stmt := range userIndexes {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure user indexes: %w", err)
		}
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser registers a user; ErrDuplicate when username or email is taken.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.findUser(ctx, "u.id = ?", id)
}

// GetUserByUsername looks up a user by username, ignoring case.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	return s.findUser(ctx, "LOWER(u.username) = LOWER(?)", username)
}

// GetUserByEmail looks up a user by email, ignoring case.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.findUser(ctx, "LOWER(u.mail) = LOWER(?)", email)
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var rows []userRow
	if err := s.userQuery(ctx).Order("u.created_at ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// UpdatePasswordHash overwrites the hash of the user owning email.
// It reports false when no user matched.
func (s *GormStore) UpdatePasswordHash(ctx context.Context, email, hash string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("LOWER(mail) = LOWER(?)", email).
		Update("hash", hash)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsAdmin reports membership in the admin set.
func (s *GormStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AdminModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddAdmin inserts userID into the admin set; adding twice is a no-op.
func (s *GormStore) AddAdmin(ctx context.Context, userID string) error {
	model := AdminModel{UserID: userID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// RemoveAdmin deletes userID from the admin set.
func (s *GormStore) RemoveAdmin(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&AdminModel{}, "user_id = ?", userID).Error
}

// WithinCatalogTx runs fn in a database transaction.
func (s *GormStore) WithinCatalogTx(ctx context.Context, fn func(CatalogTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormCatalogTx{db: tx})
	})
}

// HasISBN checks whether a book with isbn exists.
func (s *GormStore) HasISBN(ctx context.Context, isbn string) (bool, error) {
	return (&gormCatalogTx{db: s.db.WithContext(ctx)}).ISBNExists(isbn)
}

// GetBookFiles returns the stored file keys of a book.
func (s *GormStore) GetBookFiles(ctx context.Context, bookID string) (domain.BookFiles, bool, error) {
	var model FileModel
	if err := s.db.WithContext(ctx).First(&model, "book_id = ?", bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookFiles{}, false, nil
		}
		return domain.BookFiles{}, false, err
	}
	return domain.BookFiles{
		BookID:       model.BookID,
		DocumentPath: model.BookPath,
		CoverPath:    model.BookImgPath,
	}, true, nil
}

// DeleteBook removes a book with its file row and author links.
func (s *GormStore) DeleteBook(ctx context.Context, bookID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&AuthoredModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&FileModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		res := tx.Delete(&BookModel{}, "id = ?", bookID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListShelf returns the shelf read model ordered by title.
func (s *GormStore) ListShelf(ctx context.Context, filter ShelfFilter) ([]domain.ShelfEntry, error) {
	query := s.db.WithContext(ctx).
		Table("books AS b").
		Select("b.id AS book_id, b.isbn, b.title, b.year, b.pages, p.publisher, " +
			"COALESCE(string_agg(a.name, chr(31) ORDER BY ab.position), '') AS authors").
		Joins("JOIN publishers AS p ON p.id = b.publisher_id").
		Joins("LEFT JOIN authored AS ab ON ab.book_id = b.id").
		Joins("LEFT JOIN authors AS a ON a.id = ab.author_id").
		Group("b.id, b.isbn, b.title, b.year, b.pages, p.publisher").
		Order("b.title ASC")
	if title := strings.TrimSpace(filter.Title); title != "" {
		query = query.Where("b.title ILIKE ?", likePattern(title))
	}
	if author := strings.TrimSpace(filter.Author); author != "" {
		query = query.Where(`EXISTS (
			SELECT 1 FROM authored AS fa JOIN authors AS fn ON fn.id = fa.author_id
			WHERE fa.book_id = b.id AND fn.name ILIKE ?)`, likePattern(author))
	}
	var rows []shelfRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ShelfEntry, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

// AddRecommendation stores a user recommendation.
func (s *GormStore) AddRecommendation(ctx context.Context, rec domain.Recommendation) error {
	model := RecommendationModel{
		ID:             rec.ID,
		UserID:         rec.UserID,
		Recommendation: rec.Text,
		CreatedAt:      rec.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListRecommendations returns recommendations with the submitting username, oldest first.
func (s *GormStore) ListRecommendations(ctx context.Context) ([]domain.Recommendation, error) {
	var rows []recommendationRow
	if err := s.db.WithContext(ctx).
		Table("recommendations AS r").
		Select("r.id, r.user_id, u.username, r.recommendation, r.created_at").
		Joins("JOIN users AS u ON u.id = r.user_id").
		Order("r.created_at ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Recommendation, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.Recommendation{
			ID:        row.ID,
			UserID:    row.UserID,
			Username:  row.Username,
			Text:      row.Recommendation,
			CreatedAt: row.CreatedAt,
		})
	}
	return res, nil
}

// DeleteRecommendationsByText removes every recommendation with exactly text.
func (s *GormStore) DeleteRecommendationsByText(ctx context.Context, text string) (int, error) {
	res := s.db.WithContext(ctx).Delete(&RecommendationModel{}, "recommendation = ?", text)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

type gormCatalogTx struct {
	db *gorm.DB
}

func (t *gormCatalogTx) ISBNExists(isbn string) (bool, error) {
	var count int64
	if err := t.db.Model(&BookModel{}).Where("isbn = ?", isbn).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *gormCatalogTx) FindPublisher(name string) (domain.Publisher, bool, error) {
	var model PublisherModel
	if err := t.db.Where("publisher = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Publisher{}, false, nil
		}
		return domain.Publisher{}, false, err
	}
	return domain.Publisher{ID: model.ID, Name: model.Publisher}, true, nil
}

func (t *gormCatalogTx) CreatePublisher(p domain.Publisher) (domain.Publisher, error) {
	model := PublisherModel{ID: p.ID, Publisher: p.Name}
	res := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "publisher"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Publisher{}, res.Error
	}
	if res.RowsAffected > 0 {
		return p, nil
	}
	existing, ok, err := t.FindPublisher(p.Name)
	if err != nil {
		return domain.Publisher{}, err
	}
	if !ok {
		return domain.Publisher{}, fmt.Errorf("publisher %q: %w", p.Name, ErrNotFound)
	}
	return existing, nil
}

func (t *gormCatalogTx) FindAuthor(name, country, birth string) (domain.Author, bool, error) {
	var model AuthorModel
	if err := t.db.Where("name = ? AND country = ? AND birth = ?", name, country, birth).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Author{}, false, nil
		}
		return domain.Author{}, false, err
	}
	return authorFromModel(model), true, nil
}

func (t *gormCatalogTx) CreateAuthor(a domain.Author) (domain.Author, error) {
	model := AuthorModel{ID: a.ID, Name: a.Name, Country: a.Country, Birth: a.Birth}
	res := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "country"}, {Name: "birth"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Author{}, res.Error
	}
	if res.RowsAffected > 0 {
		return a, nil
	}
	existing, ok, err := t.FindAuthor(a.Name, a.Country, a.Birth)
	if err != nil {
		return domain.Author{}, err
	}
	if !ok {
		return domain.Author{}, fmt.Errorf("author %q: %w", a.Name, ErrNotFound)
	}
	return existing, nil
}

func (t *gormCatalogTx) CreateBook(b domain.Book) error {
	model := BookModel{
		ID:          b.ID,
		ISBN:        b.ISBN,
		Title:       b.Title,
		Year:        b.Year,
		PublisherID: b.PublisherID,
		Pages:       b.Pages,
		CreatedAt:   b.CreatedAt,
	}
	if err := t.db.Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (t *gormCatalogTx) CreateBookFiles(f domain.BookFiles) error {
	model := FileModel{BookID: f.BookID, BookPath: f.DocumentPath, BookImgPath: f.CoverPath}
	return t.db.Create(&model).Error
}

func (t *gormCatalogTx) LinkAuthor(authorID, bookID string, position int) error {
	model := AuthoredModel{AuthorID: authorID, BookID: bookID, Position: position}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

type userRow struct {
	ID        string
	Name      string
	Username  string
	Mail      string
	Hash      string
	CreatedAt time.Time
	IsAdmin   bool
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID:           r.ID,
		Name:         r.Name,
		Username:     r.Username,
		Email:        r.Mail,
		PasswordHash: r.Hash,
		IsAdmin:      r.IsAdmin,
		CreatedAt:    r.CreatedAt,
	}
}

type shelfRow struct {
	BookID    string
	ISBN      string
	Title     string
	Year      string
	Pages     int
	Publisher string
	Authors   string
}

func (r shelfRow) toDomain() domain.ShelfEntry {
	authors := []string{}
	if r.Authors != "" {
		authors = strings.Split(r.Authors, authorSeparator)
	}
	return domain.ShelfEntry{
		BookID:    r.BookID,
		ISBN:      r.ISBN,
		Title:     r.Title,
		Year:      r.Year,
		Pages:     r.Pages,
		Publisher: r.Publisher,
		Authors:   authors,
	}
}

type recommendationRow struct {
	ID             string
	UserID         string
	Username       string
	Recommendation string
	CreatedAt      time.Time
}

func (s *GormStore) userQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("users AS u").
		Select("u.id, u.name, u.username, u.mail, u.hash, u.created_at, a.user_id IS NOT NULL AS is_admin").
		Joins("LEFT JOIN admins AS a ON a.user_id = u.id")
}

func (s *GormStore) findUser(ctx context.Context, cond string, arg any) (domain.User, bool, error) {
	var rows []userRow
	if err := s.userQuery(ctx).Where(cond, arg).Limit(1).Scan(&rows).Error; err != nil {
		return domain.User{}, false, err
	}
	if len(rows) == 0 {
		return domain.User{}, false, nil
	}
	return rows[0].toDomain(), true, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Name:      u.Name,
		Username:  u.Username,
		Mail:      u.Email,
		Hash:      u.PasswordHash,
		CreatedAt: u.CreatedAt,
	}
}

func authorFromModel(m AuthorModel) domain.Author {
	return domain.Author{ID: m.ID, Name: m.Name, Country: m.Country, Birth: m.Birth}
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func likePattern(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return "%" + replacer.Replace(value) + "%"
}
