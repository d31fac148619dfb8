package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"elibrary/internal/util"
	"elibrary/pkg/catalog"
	"elibrary/pkg/document"
	"elibrary/pkg/domain"
	"elibrary/pkg/storage"
	"elibrary/pkg/store"
)

// UploadFile is one file of a book upload. multipart.File satisfies Content.
type UploadFile struct {
	Filename string
	Size     int64
	Content  interface {
		io.Reader
		io.ReaderAt
		io.Seeker
	}
}

// BookUpload is the add-book form after the HTTP layer parsed it.
type BookUpload struct {
	ISBN      string
	Title     string
	Publisher string
	Year      string
	Authors   []domain.AuthorInput
	Document  UploadFile
	Cover     UploadFile
}

// FileKind selects the document or the cover of a book.
type FileKind string

const (
	FileDocument FileKind = "documents"
	FileCover    FileKind = "covers"
)

// ShelfResult is the shelf listing, optionally narrowed by a search query.
type ShelfResult struct {
	Query      string              `json:"query,omitempty"`
	MatchedBy  string              `json:"matchedBy,omitempty"`
	Books      []domain.ShelfEntry `json:"books"`
	Suggestion string              `json:"suggestion,omitempty"`
}

// AddBook stores the uploaded files and records the book in the catalog.
// Saved files are removed again when any later step fails.
func (a *App) AddBook(ctx context.Context, actor domain.User, in BookUpload) (string, error) {
	if err := a.RequireAdmin(ctx, actor); err != nil {
		return "", err
	}
	if in.Document.Content == nil || strings.TrimSpace(in.Document.Filename) == "" {
		return "", fmt.Errorf("%w: document file is required", catalog.ErrValidation)
	}
	if in.Cover.Content == nil || strings.TrimSpace(in.Cover.Filename) == "" {
		return "", fmt.Errorf("%w: cover image is required", catalog.ErrValidation)
	}
	if !hasExtension(a.documentExts, in.Document.Filename) {
		return "", fmt.Errorf("%w: document %q", ErrUnsupportedFileType, filepath.Base(in.Document.Filename))
	}
	if !hasExtension(a.coverExts, in.Cover.Filename) {
		return "", fmt.Errorf("%w: cover %q", ErrUnsupportedFileType, filepath.Base(in.Cover.Filename))
	}
	sub := domain.Submission{
		ISBN:      in.ISBN,
		Title:     in.Title,
		Publisher: in.Publisher,
		Year:      in.Year,
		Authors:   in.Authors,
	}
	normalized, err := catalog.Normalize(sub)
	if err != nil {
		return "", err
	}
	exists, err := a.store.HasISBN(ctx, normalized.ISBN)
	if err != nil {
		return "", fmt.Errorf("%w: check isbn: %w", catalog.ErrStorage, err)
	}
	if exists {
		return "", catalog.ErrDuplicateBook
	}

	uploadID := util.NewID()
	sub.DocumentPath = storage.Key(string(FileDocument), uploadID, in.Document.Filename)
	sub.CoverPath = storage.Key(string(FileCover), uploadID, in.Cover.Filename)
	saved := make([]string, 0, 2)
	cleanup := func() {
		for _, key := range saved {
			if err := a.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
				util.LoggerFromContext(ctx).Warn("upload_cleanup_failed", "key", key, "err", err)
			}
		}
	}
	for _, f := range []struct {
		key  string
		file UploadFile
	}{
		{sub.DocumentPath, in.Document},
		{sub.CoverPath, in.Cover},
	} {
		if err := a.putUpload(ctx, f.key, f.file); err != nil {
			cleanup()
			return "", err
		}
		saved = append(saved, f.key)
	}

	bookID, err := a.engine.AddBook(ctx, sub, document.NewPDF(in.Document.Content, in.Document.Size))
	if err != nil {
		cleanup()
		return "", err
	}
	util.LoggerFromContext(ctx).Info("book_added", "book_id", bookID, "isbn", normalized.ISBN, "by", actor.ID)
	return bookID, nil
}

func (a *App) putUpload(ctx context.Context, key string, f UploadFile) error {
	if _, err := f.Content.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: rewind upload: %w", catalog.ErrStorage, err)
	}
	if err := a.objects.Put(ctx, key, f.Content, f.Size, storage.ContentTypeFor(key)); err != nil {
		return fmt.Errorf("%w: save %s: %w", catalog.ErrStorage, key, err)
	}
	return nil
}

// DeleteBook removes a book and then its stored files.
func (a *App) DeleteBook(ctx context.Context, actor domain.User, bookID string) error {
	if err := a.RequireAdmin(ctx, actor); err != nil {
		return err
	}
	files, ok, err := a.store.GetBookFiles(ctx, bookID)
	if err != nil {
		return fmt.Errorf("fetch book files: %w", err)
	}
	if err := a.store.DeleteBook(ctx, bookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrBookNotFound
		}
		return fmt.Errorf("delete book: %w", err)
	}
	if ok {
		for _, key := range []string{files.DocumentPath, files.CoverPath} {
			if key == "" {
				continue
			}
			if err := a.objects.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
				util.LoggerFromContext(ctx).Warn("book_file_delete_failed", "book_id", bookID, "key", key, "err", err)
			}
		}
	}
	util.LoggerFromContext(ctx).Info("book_deleted", "book_id", bookID, "by", actor.ID)
	return nil
}

// Shelf lists every book ordered by title. A non-empty query is title-cased
// and matched against titles first, then author names. When nothing matches
// the result suggests recommending the queried title.
func (a *App) Shelf(ctx context.Context, query string) (ShelfResult, error) {
	query = catalog.TitleCase(strings.TrimSpace(query))
	if query == "" {
		books, err := a.store.ListShelf(ctx, store.ShelfFilter{})
		if err != nil {
			return ShelfResult{}, fmt.Errorf("list shelf: %w", err)
		}
		return ShelfResult{Books: books}, nil
	}
	res := ShelfResult{Query: query}
	books, err := a.store.ListShelf(ctx, store.ShelfFilter{Title: query})
	if err != nil {
		return ShelfResult{}, fmt.Errorf("search titles: %w", err)
	}
	if len(books) > 0 {
		res.MatchedBy, res.Books = "title", books
		return res, nil
	}
	books, err = a.store.ListShelf(ctx, store.ShelfFilter{Author: query})
	if err != nil {
		return ShelfResult{}, fmt.Errorf("search authors: %w", err)
	}
	if len(books) > 0 {
		res.MatchedBy, res.Books = "author", books
		return res, nil
	}
	res.Books = []domain.ShelfEntry{}
	res.Suggestion = fmt.Sprintf("No book matches %q. Recommend it and an admin may add it to the library.", query)
	return res, nil
}

// OpenBookFile streams the stored document or cover of a book.
// The caller closes the returned reader.
func (a *App) OpenBookFile(ctx context.Context, bookID string, kind FileKind) (io.ReadCloser, storage.ObjectInfo, string, error) {
	files, ok, err := a.store.GetBookFiles(ctx, bookID)
	if err != nil {
		return nil, storage.ObjectInfo{}, "", fmt.Errorf("fetch book files: %w", err)
	}
	if !ok {
		return nil, storage.ObjectInfo{}, "", ErrBookNotFound
	}
	key := files.DocumentPath
	if kind == FileCover {
		key = files.CoverPath
	}
	if key == "" {
		return nil, storage.ObjectInfo{}, "", ErrFileNotFound
	}
	rc, info, err := a.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, storage.ObjectInfo{}, "", ErrFileNotFound
		}
		return nil, storage.ObjectInfo{}, "", fmt.Errorf("open %s: %w", key, err)
	}
	return rc, info, filepath.Base(key), nil
}
