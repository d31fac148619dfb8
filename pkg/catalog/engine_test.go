package catalog

import (
	"context"
	"errors"
	"testing"

	"elibrary/pkg/domain"
	"elibrary/pkg/store"
)

type fakeDocument struct {
	pages int
	err   error
}

func (d fakeDocument) PageCount() (int, error) { return d.pages, d.err }

func scenarioSubmission() domain.Submission {
	return domain.Submission{
		ISBN:      "123",
		Title:     "the old man",
		Publisher: "acme",
		Year:      "1952",
		Authors: []domain.AuthorInput{
			{Name: "Jane Doe", Country: "US", Birth: "1950"},
			{Name: "John Roe", Country: "US", Birth: "1960"},
		},
		DocumentPath: "books/123.pdf",
		CoverPath:    "covers/123.png",
	}
}

func TestAddBookScenario(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(s)
	ctx := context.Background()

	id, err := e.AddBook(ctx, scenarioSubmission(), fakeDocument{pages: 42})
	if err != nil {
		t.Fatalf("add book: %v", err)
	}
	book, ok := s.Book(id)
	if !ok {
		t.Fatalf("book %s not stored", id)
	}
	if book.Title != "The Old Man" {
		t.Fatalf("title = %q, want %q", book.Title, "The Old Man")
	}
	if book.Pages != 42 {
		t.Fatalf("pages = %d, want 42", book.Pages)
	}
	want := store.MemoryCounts{Publishers: 1, Authors: 2, Books: 1, Files: 1, Authored: 2}
	if got := s.Counts(); got != want {
		t.Fatalf("counts = %+v, want %+v", got, want)
	}
	shelf, err := s.ListShelf(ctx, store.ShelfFilter{})
	if err != nil {
		t.Fatalf("list shelf: %v", err)
	}
	if len(shelf) != 1 || shelf[0].Publisher != "Acme" {
		t.Fatalf("unexpected shelf: %+v", shelf)
	}
	if len(shelf[0].Authors) != 2 || shelf[0].Authors[0] != "Jane Doe" || shelf[0].Authors[1] != "John Roe" {
		t.Fatalf("unexpected authors: %v", shelf[0].Authors)
	}
	files, ok, err := s.GetBookFiles(ctx, id)
	if err != nil || !ok || files.DocumentPath != "books/123.pdf" || files.CoverPath != "covers/123.png" {
		t.Fatalf("unexpected files: %+v ok=%v err=%v", files, ok, err)
	}

	if _, err := e.AddBook(ctx, scenarioSubmission(), fakeDocument{pages: 42}); !errors.Is(err, ErrDuplicateBook) {
		t.Fatalf("expected ErrDuplicateBook on resubmit, got %v", err)
	}
	if got := s.Counts(); got != want {
		t.Fatalf("counts changed after duplicate: %+v", got)
	}
}

func TestAddBookSameNameDifferentCountry(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(s)
	ctx := context.Background()

	first := scenarioSubmission()
	first.Authors = []domain.AuthorInput{{Name: "Ada Obi", Country: "Nigeria", Birth: "1970"}}
	second := scenarioSubmission()
	second.ISBN = "456"
	second.Authors = []domain.AuthorInput{{Name: "Ada Obi", Country: "Canada", Birth: "1970"}}

	if _, err := e.AddBook(ctx, first, fakeDocument{pages: 1}); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if _, err := e.AddBook(ctx, second, fakeDocument{pages: 1}); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if got := s.Counts().Authors; got != 2 {
		t.Fatalf("authors = %d, want 2", got)
	}
}

func TestAddBookReusesAuthorTriple(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(s)
	ctx := context.Background()

	first := scenarioSubmission()
	first.Authors = first.Authors[:1]
	second := scenarioSubmission()
	second.ISBN = "456"
	second.Title = "another title"
	second.Authors = []domain.AuthorInput{{Name: "jane doe", Country: "usa", Birth: "1950"}}

	firstID, err := e.AddBook(ctx, first, fakeDocument{pages: 1})
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	secondID, err := e.AddBook(ctx, second, fakeDocument{pages: 1})
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	got := s.Counts()
	if got.Authors != 1 || got.Authored != 2 {
		t.Fatalf("counts = %+v, want one author linked twice", got)
	}
	a1, a2 := s.AuthorsOf(firstID), s.AuthorsOf(secondID)
	if len(a1) != 1 || len(a2) != 1 || a1[0].ID != a2[0].ID {
		t.Fatalf("expected shared author, got %+v and %+v", a1, a2)
	}
}

func TestAddBookPublisherCaseInsensitive(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(s)
	ctx := context.Background()

	first := scenarioSubmission()
	first.Publisher = "penguin books"
	second := scenarioSubmission()
	second.ISBN = "456"
	second.Publisher = "Penguin Books"

	firstID, err := e.AddBook(ctx, first, fakeDocument{pages: 1})
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	secondID, err := e.AddBook(ctx, second, fakeDocument{pages: 1})
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	b1, _ := s.Book(firstID)
	b2, _ := s.Book(secondID)
	if b1.PublisherID != b2.PublisherID {
		t.Fatalf("expected same publisher id, got %q and %q", b1.PublisherID, b2.PublisherID)
	}
	if got := s.Counts().Publishers; got != 1 {
		t.Fatalf("publishers = %d, want 1", got)
	}
}

func TestAddBookRepeatedAuthorLinksOnce(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(s)

	sub := scenarioSubmission()
	sub.Authors = []domain.AuthorInput{
		{Name: "Jane Doe", Country: "US", Birth: "1950"},
		{Name: "jane doe", Country: "USA", Birth: "1950"},
	}
	if _, err := e.AddBook(context.Background(), sub, fakeDocument{pages: 1}); err != nil {
		t.Fatalf("add book: %v", err)
	}
	if got := s.Counts(); got.Authors != 1 || got.Authored != 1 {
		t.Fatalf("counts = %+v, want one author and one link", got)
	}
}

func TestAddBookUnreadableDocumentWritesNothing(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(s)

	_, err := e.AddBook(context.Background(), scenarioSubmission(), fakeDocument{err: errors.New("bad xref")})
	if !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("expected ErrUnreadableDocument, got %v", err)
	}
	if _, err := e.AddBook(context.Background(), scenarioSubmission(), nil); !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("expected ErrUnreadableDocument for nil document, got %v", err)
	}
	if got := s.Counts(); got != (store.MemoryCounts{}) {
		t.Fatalf("expected no writes, got %+v", got)
	}
}

func TestAddBookValidation(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(s)

	tests := []struct {
		name   string
		mutate func(*domain.Submission)
	}{
		{"missing isbn", func(sub *domain.Submission) { sub.ISBN = "  " }},
		{"missing title", func(sub *domain.Submission) { sub.Title = "" }},
		{"missing publisher", func(sub *domain.Submission) { sub.Publisher = "" }},
		{"missing year", func(sub *domain.Submission) { sub.Year = "" }},
		{"no authors", func(sub *domain.Submission) { sub.Authors = nil }},
		{"author without name", func(sub *domain.Submission) { sub.Authors[1].Name = "" }},
		{"author without birth", func(sub *domain.Submission) { sub.Authors[0].Birth = "" }},
		{"unknown country", func(sub *domain.Submission) { sub.Authors[1].Country = "Atlantis" }},
		{"placeholder country code", func(sub *domain.Submission) { sub.Authors[0].Country = "XX" }},
		{"country none", func(sub *domain.Submission) { sub.Authors[1].Country = "None" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := scenarioSubmission()
			tc.mutate(&sub)
			if _, err := e.AddBook(context.Background(), sub, fakeDocument{pages: 1}); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if got := s.Counts(); got != (store.MemoryCounts{}) {
		t.Fatalf("expected no writes, got %+v", got)
	}
}

type failingRunner struct {
	inner store.CatalogTxRunner
	err   error
}

func (r failingRunner) WithinCatalogTx(ctx context.Context, fn func(store.CatalogTx) error) error {
	return r.inner.WithinCatalogTx(ctx, func(tx store.CatalogTx) error {
		return fn(failingLinkTx{CatalogTx: tx, err: r.err})
	})
}

type failingLinkTx struct {
	store.CatalogTx
	err error
}

func (t failingLinkTx) LinkAuthor(string, string, int) error { return t.err }

func TestAddBookRollsBackOnStorageFailure(t *testing.T) {
	s := store.NewMemoryStore()
	boom := errors.New("connection reset")
	e := NewEngine(failingRunner{inner: s, err: boom})

	_, err := e.AddBook(context.Background(), scenarioSubmission(), fakeDocument{pages: 3})
	if !errors.Is(err, ErrStorage) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}
	if got := s.Counts(); got != (store.MemoryCounts{}) {
		t.Fatalf("expected rollback to discard writes, got %+v", got)
	}
}

type duplicateOnInsertTx struct {
	store.CatalogTx
}

func (duplicateOnInsertTx) ISBNExists(string) (bool, error) { return false, nil }
func (duplicateOnInsertTx) CreateBook(domain.Book) error    { return store.ErrDuplicate }

type duplicateRunner struct{ inner store.CatalogTxRunner }

func (r duplicateRunner) WithinCatalogTx(ctx context.Context, fn func(store.CatalogTx) error) error {
	return r.inner.WithinCatalogTx(ctx, func(tx store.CatalogTx) error {
		return fn(duplicateOnInsertTx{CatalogTx: tx})
	})
}

func TestAddBookMapsInsertRaceToDuplicate(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEngine(duplicateRunner{inner: s})

	if _, err := e.AddBook(context.Background(), scenarioSubmission(), fakeDocument{pages: 3}); !errors.Is(err, ErrDuplicateBook) {
		t.Fatalf("expected ErrDuplicateBook, got %v", err)
	}
	if got := s.Counts(); got != (store.MemoryCounts{}) {
		t.Fatalf("expected no writes, got %+v", got)
	}
}
