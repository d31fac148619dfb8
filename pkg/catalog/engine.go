package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"elibrary/internal/util"
	"elibrary/pkg/domain"
	"elibrary/pkg/store"
)

// Document is an uploaded book file whose page count can be derived.
type Document interface {
	PageCount() (int, error)
}

// Engine records book submissions. Every write of one AddBook call happens
// in a single catalog transaction.
type Engine struct {
	runner store.CatalogTxRunner
	newID  func() string
	now    func() time.Time
}

// NewEngine builds an engine on top of a transactional catalog store.
func NewEngine(runner store.CatalogTxRunner) *Engine {
	return &Engine{
		runner: runner,
		newID:  util.NewID,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddBook validates sub, counts the document's pages and stores the book
// with its publisher, files and authors. It returns the new book id.
func (e *Engine) AddBook(ctx context.Context, sub domain.Submission, doc Document) (string, error) {
	normalized, err := Normalize(sub)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("%w: no document", ErrUnreadableDocument)
	}
	pages, err := doc.PageCount()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreadableDocument, err)
	}
	if pages < 1 {
		return "", fmt.Errorf("%w: document has no pages", ErrUnreadableDocument)
	}

	bookID := e.newID()
	err = e.runner.WithinCatalogTx(ctx, func(tx store.CatalogTx) error {
		return e.record(tx, bookID, normalized, pages)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateBook) || errors.Is(err, ErrStorage) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return bookID, nil
}

func (e *Engine) record(tx store.CatalogTx, bookID string, sub domain.Submission, pages int) error {
	exists, err := tx.ISBNExists(sub.ISBN)
	if err != nil {
		return fmt.Errorf("%w: check isbn: %w", ErrStorage, err)
	}
	if exists {
		return ErrDuplicateBook
	}

	publisher, err := e.resolvePublisher(tx, sub.Publisher)
	if err != nil {
		return err
	}

	book := domain.Book{
		ID:          bookID,
		ISBN:        sub.ISBN,
		Title:       sub.Title,
		Year:        sub.Year,
		PublisherID: publisher.ID,
		Pages:       pages,
		CreatedAt:   e.now(),
	}
	if err := tx.CreateBook(book); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrDuplicateBook
		}
		return fmt.Errorf("%w: create book: %w", ErrStorage, err)
	}

	files := domain.BookFiles{BookID: bookID, DocumentPath: sub.DocumentPath, CoverPath: sub.CoverPath}
	if err := tx.CreateBookFiles(files); err != nil {
		return fmt.Errorf("%w: create files: %w", ErrStorage, err)
	}

	linked := make(map[string]struct{}, len(sub.Authors))
	for _, input := range sub.Authors {
		author, err := e.resolveAuthor(tx, input)
		if err != nil {
			return err
		}
		if _, ok := linked[author.ID]; ok {
			continue
		}
		if err := tx.LinkAuthor(author.ID, bookID, len(linked)); err != nil {
			return fmt.Errorf("%w: link author: %w", ErrStorage, err)
		}
		linked[author.ID] = struct{}{}
	}
	return nil
}

func (e *Engine) resolvePublisher(tx store.CatalogTx, name string) (domain.Publisher, error) {
	publisher, ok, err := tx.FindPublisher(name)
	if err != nil {
		return domain.Publisher{}, fmt.Errorf("%w: find publisher: %w", ErrStorage, err)
	}
	if ok {
		return publisher, nil
	}
	publisher, err = tx.CreatePublisher(domain.Publisher{ID: e.newID(), Name: name})
	if err != nil {
		return domain.Publisher{}, fmt.Errorf("%w: create publisher: %w", ErrStorage, err)
	}
	return publisher, nil
}

func (e *Engine) resolveAuthor(tx store.CatalogTx, input domain.AuthorInput) (domain.Author, error) {
	author, ok, err := tx.FindAuthor(input.Name, input.Country, input.Birth)
	if err != nil {
		return domain.Author{}, fmt.Errorf("%w: find author: %w", ErrStorage, err)
	}
	if ok {
		return author, nil
	}
	author, err = tx.CreateAuthor(domain.Author{
		ID:      e.newID(),
		Name:    input.Name,
		Country: input.Country,
		Birth:   input.Birth,
	})
	if err != nil {
		return domain.Author{}, fmt.Errorf("%w: create author: %w", ErrStorage, err)
	}
	return author, nil
}
