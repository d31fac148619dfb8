package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"elibrary/pkg/domain"
)

// MemoryStore implements Store in memory. Catalog transactions work on a
// copy of the state that replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	users           map[string]domain.User
	admins          map[string]struct{}
	publishers      map[string]domain.Publisher
	authors         map[string]domain.Author
	books           map[string]domain.Book
	files           map[string]domain.BookFiles
	authored        []authoredLink
	recommendations []domain.Recommendation
}

type authoredLink struct {
	authorID string
	bookID   string
	position int
}

// MemoryCounts reports row counts per table.
type MemoryCounts struct {
	Users           int
	Admins          int
	Publishers      int
	Authors         int
	Books           int
	Files           int
	Authored        int
	Recommendations int
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:      make(map[string]domain.User),
		admins:     make(map[string]struct{}),
		publishers: make(map[string]domain.Publisher),
		authors:    make(map[string]domain.Author),
		books:      make(map[string]domain.Book),
		files:      make(map[string]domain.BookFiles),
	}
}

func (st *memoryState) clone() *memoryState {
	out := newMemoryState()
	for k, v := range st.users {
		out.users[k] = v
	}
	for k := range st.admins {
		out.admins[k] = struct{}{}
	}
	for k, v := range st.publishers {
		out.publishers[k] = v
	}
	for k, v := range st.authors {
		out.authors[k] = v
	}
	for k, v := range st.books {
		out.books[k] = v
	}
	for k, v := range st.files {
		out.files[k] = v
	}
	out.authored = append([]authoredLink(nil), st.authored...)
	out.recommendations = append([]domain.Recommendation(nil), st.recommendations...)
	return out
}

// Counts returns the current row counts.
func (s *MemoryStore) Counts() MemoryCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MemoryCounts{
		Users:           len(s.state.users),
		Admins:          len(s.state.admins),
		Publishers:      len(s.state.publishers),
		Authors:         len(s.state.authors),
		Books:           len(s.state.books),
		Files:           len(s.state.files),
		Authored:        len(s.state.authored),
		Recommendations: len(s.state.recommendations),
	}
}

// AuthorsOf returns the author rows linked to bookID in link order.
func (s *MemoryStore) AuthorsOf(bookID string) []domain.Author {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.authorsOf(bookID)
}

// Book returns the book row with id.
func (s *MemoryStore) Book(id string) (domain.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.books[id]
	return b, ok
}

func (s *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.users {
		if strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return ErrDuplicate
		}
	}
	u.IsAdmin = false
	s.state.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	return s.state.withAdmin(u), true, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	return s.findUser(func(u domain.User) bool { return strings.EqualFold(u.Username, username) })
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	return s.findUser(func(u domain.User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *MemoryStore) findUser(match func(domain.User) bool) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.state.users {
		if match(u) {
			return s.state.withAdmin(u), true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.User, 0, len(s.state.users))
	for _, u := range s.state.users {
		res = append(res, s.state.withAdmin(u))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryStore) UserCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.users), nil
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, email, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := false
	for id, u := range s.state.users {
		if strings.EqualFold(u.Email, email) {
			u.PasswordHash = hash
			s.state.users[id] = u
			updated = true
		}
	}
	return updated, nil
}

func (s *MemoryStore) IsAdmin(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.admins[userID]
	return ok, nil
}

func (s *MemoryStore) AddAdmin(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.users[userID]; !ok {
		return ErrNotFound
	}
	s.state.admins[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveAdmin(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.admins, userID)
	return nil
}

// WithinCatalogTx serializes catalog transactions and publishes staged state on success.
func (s *MemoryStore) WithinCatalogTx(_ context.Context, fn func(CatalogTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.state.clone()
	if err := fn(&memoryCatalogTx{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *MemoryStore) HasISBN(_ context.Context, isbn string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memoryCatalogTx{state: s.state}).ISBNExists(isbn)
}

func (s *MemoryStore) GetBookFiles(_ context.Context, bookID string) (domain.BookFiles, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.files[bookID]
	return f, ok, nil
}

func (s *MemoryStore) DeleteBook(_ context.Context, bookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.books[bookID]; !ok {
		return ErrNotFound
	}
	delete(s.state.books, bookID)
	delete(s.state.files, bookID)
	kept := s.state.authored[:0]
	for _, link := range s.state.authored {
		if link.bookID != bookID {
			kept = append(kept, link)
		}
	}
	s.state.authored = kept
	return nil
}

func (s *MemoryStore) ListShelf(_ context.Context, filter ShelfFilter) ([]domain.ShelfEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	title := strings.ToLower(strings.TrimSpace(filter.Title))
	author := strings.ToLower(strings.TrimSpace(filter.Author))
	res := make([]domain.ShelfEntry, 0, len(s.state.books))
	for _, b := range s.state.books {
		if title != "" && !strings.Contains(strings.ToLower(b.Title), title) {
			continue
		}
		authors := s.state.authorsOf(b.ID)
		names := make([]string, 0, len(authors))
		authorMatch := author == ""
		for _, a := range authors {
			names = append(names, a.Name)
			if author != "" && strings.Contains(strings.ToLower(a.Name), author) {
				authorMatch = true
			}
		}
		if !authorMatch {
			continue
		}
		res = append(res, domain.ShelfEntry{
			BookID:    b.ID,
			ISBN:      b.ISBN,
			Title:     b.Title,
			Year:      b.Year,
			Pages:     b.Pages,
			Publisher: s.state.publishers[b.PublisherID].Name,
			Authors:   names,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Title == res[j].Title {
			return res[i].BookID < res[j].BookID
		}
		return res[i].Title < res[j].Title
	})
	return res, nil
}

func (s *MemoryStore) AddRecommendation(_ context.Context, rec domain.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.users[rec.UserID]; !ok {
		return ErrNotFound
	}
	rec.Username = ""
	s.state.recommendations = append(s.state.recommendations, rec)
	return nil
}

func (s *MemoryStore) ListRecommendations(_ context.Context) ([]domain.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.Recommendation, 0, len(s.state.recommendations))
	for _, rec := range s.state.recommendations {
		rec.Username = s.state.users[rec.UserID].Username
		res = append(res, rec)
	}
	return res, nil
}

func (s *MemoryStore) DeleteRecommendationsByText(_ context.Context, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.state.recommendations[:0]
	removed := 0
	for _, rec := range s.state.recommendations {
		if rec.Text == text {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.state.recommendations = kept
	return removed, nil
}

func (st *memoryState) withAdmin(u domain.User) domain.User {
	_, u.IsAdmin = st.admins[u.ID]
	return u
}

func (st *memoryState) authorsOf(bookID string) []domain.Author {
	links := make([]authoredLink, 0)
	for _, link := range st.authored {
		if link.bookID == bookID {
			links = append(links, link)
		}
	}
	sort.SliceStable(links, func(i, j int) bool { return links[i].position < links[j].position })
	res := make([]domain.Author, 0, len(links))
	for _, link := range links {
		res = append(res, st.authors[link.authorID])
	}
	return res
}

type memoryCatalogTx struct {
	state *memoryState
}

func (t *memoryCatalogTx) ISBNExists(isbn string) (bool, error) {
	for _, b := range t.state.books {
		if b.ISBN == isbn {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryCatalogTx) FindPublisher(name string) (domain.Publisher, bool, error) {
	for _, p := range t.state.publishers {
		if p.Name == name {
			return p, true, nil
		}
	}
	return domain.Publisher{}, false, nil
}

func (t *memoryCatalogTx) CreatePublisher(p domain.Publisher) (domain.Publisher, error) {
	if existing, ok, _ := t.FindPublisher(p.Name); ok {
		return existing, nil
	}
	t.state.publishers[p.ID] = p
	return p, nil
}

func (t *memoryCatalogTx) FindAuthor(name, country, birth string) (domain.Author, bool, error) {
	for _, a := range t.state.authors {
		if a.Name == name && a.Country == country && a.Birth == birth {
			return a, true, nil
		}
	}
	return domain.Author{}, false, nil
}

func (t *memoryCatalogTx) CreateAuthor(a domain.Author) (domain.Author, error) {
	if existing, ok, _ := t.FindAuthor(a.Name, a.Country, a.Birth); ok {
		return existing, nil
	}
	t.state.authors[a.ID] = a
	return a, nil
}

func (t *memoryCatalogTx) CreateBook(b domain.Book) error {
	if exists, _ := t.ISBNExists(b.ISBN); exists {
		return ErrDuplicate
	}
	if _, ok := t.state.publishers[b.PublisherID]; !ok {
		return ErrNotFound
	}
	t.state.books[b.ID] = b
	return nil
}

func (t *memoryCatalogTx) CreateBookFiles(f domain.BookFiles) error {
	if _, ok := t.state.books[f.BookID]; !ok {
		return ErrNotFound
	}
	if _, ok := t.state.files[f.BookID]; ok {
		return ErrDuplicate
	}
	t.state.files[f.BookID] = f
	return nil
}

func (t *memoryCatalogTx) LinkAuthor(authorID, bookID string, position int) error {
	if _, ok := t.state.authors[authorID]; !ok {
		return ErrNotFound
	}
	if _, ok := t.state.books[bookID]; !ok {
		return ErrNotFound
	}
	for _, link := range t.state.authored {
		if link.authorID == authorID && link.bookID == bookID {
			return nil
		}
	}
	t.state.authored = append(t.state.authored, authoredLink{authorID: authorID, bookID: bookID, position: position})
	return nil
}
