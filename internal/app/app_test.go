package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"elibrary/pkg/auth"
	"elibrary/pkg/catalog"
	"elibrary/pkg/domain"
	"elibrary/pkg/mail"
	"elibrary/pkg/resettoken"
	"elibrary/pkg/storage"
	"elibrary/pkg/store"
)

const (
	testPassword = "Secret1!"
	testBaseURL  = "https://lib.example.com"
)

type captureSender struct {
	mu   sync.Mutex
	sent []mail.Email
}

func (c *captureSender) Send(_ context.Context, email mail.Email) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, email)
	return nil
}

func (c *captureSender) last() (mail.Email, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return mail.Email{}, false
	}
	return c.sent[len(c.sent)-1], true
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	mail    *captureSender
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore("session-secret-0123456789", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	dataDir := t.TempDir()
	objects, err := storage.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	resets, err := resettoken.New(resettoken.Config{Secret: "reset-secret-0123456789"}, mem)
	if err != nil {
		t.Fatalf("new reset service: %v", err)
	}
	sender := &captureSender{}
	a, err := New(Config{
		PublicBaseURL: testBaseURL + "/",
		Store:         mem,
		Sessions:      sessions,
		Objects:       objects,
		Resets:        resets,
		Notifier:      mail.NewNotifier(sender, "", resets.Window()),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, store: mem, mail: sender, dataDir: dataDir}
}

func (e *testEnv) register(t *testing.T, username, email string) (domain.User, string) {
	t.Helper()
	user, token, err := e.app.Register(context.Background(), RegisterInput{
		Name:            "member " + username,
		Username:        username,
		Email:           email,
		Password:        testPassword,
		ConfirmPassword: testPassword,
	})
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return user, token
}

// testPDF assembles a minimal PDF with the given number of blank pages.
func testPDF(pages int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, 0, pages)
	for i := 0; i < pages; i++ {
		kids = append(kids, fmt.Sprintf("%d 0 R", i+3))
	}
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages),
	}
	for i := 0; i < pages; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}
	offsets := make([]int, 0, len(objects))
	for i, obj := range objects {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func upload(name string, data []byte) UploadFile {
	return UploadFile{Filename: name, Size: int64(len(data)), Content: bytes.NewReader(data)}
}

func oldManUpload(isbn string, doc []byte) BookUpload {
	return BookUpload{
		ISBN:      isbn,
		Title:     "the old man",
		Publisher: "acme",
		Year:      "1952",
		Authors: []domain.AuthorInput{
			{Name: "Jane Doe", Country: "US", Birth: "1950"},
			{Name: "John Roe", Country: "US", Birth: "1960"},
		},
		Document: upload("old man.pdf", doc),
		Cover:    upload("cover.png", []byte("\x89PNG fake cover")),
	}
}

func storedFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk data dir: %v", err)
	}
	return files
}

func TestRegisterFirstUserBecomesAdmin(t *testing.T) {
	env := newTestEnv(t)
	first, token := env.register(t, "jane", "Jane@Example.com")
	if !first.IsAdmin {
		t.Fatalf("first user should be admin")
	}
	if first.Name != "Member Jane" || first.Email != "jane@example.com" {
		t.Fatalf("unexpected normalized user: %+v", first)
	}
	if token == "" {
		t.Fatalf("expected session token")
	}
	welcome, ok := env.mail.last()
	if !ok || !strings.HasPrefix(welcome.Subject, "Welcome") || welcome.To[0] != "jane@example.com" {
		t.Fatalf("expected welcome mail, got %+v", welcome)
	}

	second, _ := env.register(t, "john", "john@example.com")
	if second.IsAdmin {
		t.Fatalf("second user should not be admin")
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "jane", "jane@example.com")

	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"mismatch", RegisterInput{Name: "a", Username: "a", Email: "a@example.com", Password: testPassword, ConfirmPassword: "Other1!"}, ErrPasswordMismatch},
		{"weak", RegisterInput{Name: "a", Username: "a", Email: "a@example.com", Password: "weak", ConfirmPassword: "weak"}, auth.ErrWeakPassword},
		{"bad email", RegisterInput{Name: "a", Username: "a", Email: "not-an-email", Password: testPassword, ConfirmPassword: testPassword}, ErrInvalidInput},
		{"missing name", RegisterInput{Username: "a", Email: "a@example.com", Password: testPassword, ConfirmPassword: testPassword}, ErrInvalidInput},
		{"taken username", RegisterInput{Name: "a", Username: "jane", Email: "a@example.com", Password: testPassword, ConfirmPassword: testPassword}, ErrUsernameTaken},
		{"taken email", RegisterInput{Name: "a", Username: "a", Email: "JANE@example.com", Password: testPassword, ConfirmPassword: testPassword}, ErrEmailTaken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := env.app.Register(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if got := env.store.Counts().Users; got != 1 {
		t.Fatalf("users = %d, want 1", got)
	}
}

func TestLoginByEmailOrUsername(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "jane", "jane@example.com")
	ctx := context.Background()

	for _, id := range []string{"jane", "jane@example.com", "JANE@example.com"} {
		user, token, err := env.app.Login(ctx, id, testPassword)
		if err != nil {
			t.Fatalf("login %q: %v", id, err)
		}
		if user.Username != "jane" || token == "" {
			t.Fatalf("login %q returned %+v", id, user)
		}
	}
	for _, tc := range [][2]string{{"jane", "Wrong1!"}, {"nobody", testPassword}, {"", testPassword}} {
		if _, _, err := env.app.Login(ctx, tc[0], tc[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("login %q: err = %v, want ErrInvalidCredentials", tc[0], err)
		}
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, token := env.register(t, "jane", "jane@example.com")

	user, err := env.app.Authenticate(ctx, token)
	if err != nil || user.Username != "jane" || !user.IsAdmin {
		t.Fatalf("authenticate: %+v %v", user, err)
	}
	if err := env.app.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.app.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	if _, err := env.app.Authenticate(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for garbage token, got %v", err)
	}
}

func TestPromoteAndDemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "jane", "jane@example.com")
	member, _ := env.register(t, "john", "john@example.com")

	if _, err := env.app.ListUsers(ctx, member); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member list users: err = %v, want ErrForbidden", err)
	}
	promoted, err := env.app.Promote(ctx, admin, member.ID)
	if err != nil || !promoted.IsAdmin {
		t.Fatalf("promote: %+v %v", promoted, err)
	}
	if got, _ := env.mail.last(); !strings.Contains(got.Subject, "Your New Role as Admin") {
		t.Fatalf("promote mail subject = %q", got.Subject)
	}
	users, err := env.app.ListUsers(ctx, member)
	if err != nil || len(users) != 2 {
		t.Fatalf("promoted member list users: %d %v", len(users), err)
	}

	if _, err := env.app.Demote(ctx, admin, admin.ID); !errors.Is(err, ErrCannotDemoteSelf) {
		t.Fatalf("self demote: err = %v", err)
	}
	demoted, err := env.app.Demote(ctx, admin, member.ID)
	if err != nil || demoted.IsAdmin {
		t.Fatalf("demote: %+v %v", demoted, err)
	}
	if got, _ := env.mail.last(); !strings.Contains(got.Subject, "Appreciation") {
		t.Fatalf("demote mail subject = %q", got.Subject)
	}
	if _, err := env.app.ListUsers(ctx, member); !errors.Is(err, ErrForbidden) {
		t.Fatalf("demoted member should lose admin access, err = %v", err)
	}

	sent := env.mail.count()
	if _, err := env.app.Demote(ctx, admin, member.ID); err != nil {
		t.Fatalf("demote non-admin: %v", err)
	}
	if env.mail.count() != sent {
		t.Fatalf("demoting a non-admin should not send mail")
	}
	if _, err := env.app.Promote(ctx, admin, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("promote missing: err = %v", err)
	}
}

func TestAddBookStoresFilesAndCatalog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "jane", "jane@example.com")
	doc := testPDF(2)

	bookID, err := env.app.AddBook(ctx, admin, oldManUpload("123", doc))
	if err != nil {
		t.Fatalf("add book: %v", err)
	}
	book, ok := env.store.Book(bookID)
	if !ok || book.Title != "The Old Man" || book.Pages != 2 {
		t.Fatalf("unexpected book: %+v ok=%v", book, ok)
	}
	counts := env.store.Counts()
	if counts.Books != 1 || counts.Files != 1 || counts.Authors != 2 || counts.Authored != 2 || counts.Publishers != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if files := storedFiles(t, env.dataDir); len(files) != 2 {
		t.Fatalf("stored files = %v, want document and cover", files)
	}

	rc, info, name, err := env.app.OpenBookFile(ctx, bookID, FileDocument)
	if err != nil {
		t.Fatalf("open document: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, doc) || info.ContentType != "application/pdf" || name != "old man.pdf" {
		t.Fatalf("document mismatch: name=%q type=%q len=%d", name, info.ContentType, len(got))
	}
	if _, _, _, err := env.app.OpenBookFile(ctx, "missing", FileCover); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("open missing: err = %v", err)
	}
}

func TestAddBookDuplicateISBNSavesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "jane", "jane@example.com")
	if _, err := env.app.AddBook(ctx, admin, oldManUpload("123", testPDF(1))); err != nil {
		t.Fatalf("add book: %v", err)
	}
	before := env.store.Counts()

	_, err := env.app.AddBook(ctx, admin, oldManUpload(" 123 ", testPDF(1)))
	if !errors.Is(err, catalog.ErrDuplicateBook) {
		t.Fatalf("err = %v, want ErrDuplicateBook", err)
	}
	if after := env.store.Counts(); after != before {
		t.Fatalf("counts changed: before %+v after %+v", before, after)
	}
	if files := storedFiles(t, env.dataDir); len(files) != 2 {
		t.Fatalf("duplicate upload left files behind: %v", files)
	}
}

func TestAddBookUnreadableDocumentRemovesFiles(t *testing.T) {
	env := newTestEnv(t)
	admin, _ := env.register(t, "jane", "jane@example.com")

	_, err := env.app.AddBook(context.Background(), admin, oldManUpload("123", []byte("not a pdf at all")))
	if !errors.Is(err, catalog.ErrUnreadableDocument) {
		t.Fatalf("err = %v, want ErrUnreadableDocument", err)
	}
	if files := storedFiles(t, env.dataDir); len(files) != 0 {
		t.Fatalf("expected saved files to be removed, found %v", files)
	}
	if counts := env.store.Counts(); counts.Books != 0 || counts.Publishers != 0 || counts.Authors != 0 {
		t.Fatalf("unexpected catalog writes: %+v", counts)
	}
}

func TestAddBookChecksUploadAndRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "jane", "jane@example.com")
	member, _ := env.register(t, "john", "john@example.com")

	if _, err := env.app.AddBook(ctx, member, oldManUpload("123", testPDF(1))); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member upload: err = %v, want ErrForbidden", err)
	}
	in := oldManUpload("123", testPDF(1))
	in.Document.Filename = "notes.txt"
	if _, err := env.app.AddBook(ctx, admin, in); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("txt document: err = %v", err)
	}
	in = oldManUpload("123", testPDF(1))
	in.Cover.Filename = "cover.gif"
	if _, err := env.app.AddBook(ctx, admin, in); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("gif cover: err = %v", err)
	}
	in = oldManUpload("123", testPDF(1))
	in.Authors[1].Country = "Atlantis"
	if _, err := env.app.AddBook(ctx, admin, in); !errors.Is(err, catalog.ErrValidation) {
		t.Fatalf("unknown country: err = %v", err)
	}
	if files := storedFiles(t, env.dataDir); len(files) != 0 {
		t.Fatalf("rejected uploads left files: %v", files)
	}
}

func TestDeleteBookRemovesFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "jane", "jane@example.com")
	bookID, err := env.app.AddBook(ctx, admin, oldManUpload("123", testPDF(1)))
	if err != nil {
		t.Fatalf("add book: %v", err)
	}
	if err := env.app.DeleteBook(ctx, admin, bookID); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	if counts := env.store.Counts(); counts.Books != 0 || counts.Files != 0 || counts.Authored != 0 {
		t.Fatalf("unexpected counts after delete: %+v", counts)
	}
	if files := storedFiles(t, env.dataDir); len(files) != 0 {
		t.Fatalf("files left after delete: %v", files)
	}
	if err := env.app.DeleteBook(ctx, admin, bookID); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("second delete: err = %v, want ErrBookNotFound", err)
	}
}

func TestShelfSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "jane", "jane@example.com")
	if _, err := env.app.AddBook(ctx, admin, oldManUpload("123", testPDF(1))); err != nil {
		t.Fatalf("add book: %v", err)
	}

	all, err := env.app.Shelf(ctx, "")
	if err != nil || len(all.Books) != 1 {
		t.Fatalf("shelf: %+v %v", all, err)
	}
	if got := all.Books[0].Authors; len(got) != 2 || got[0] != "Jane Doe" || got[1] != "John Roe" {
		t.Fatalf("authors = %v", got)
	}

	byTitle, err := env.app.Shelf(ctx, "old man")
	if err != nil || byTitle.MatchedBy != "title" || len(byTitle.Books) != 1 || byTitle.Query != "Old Man" {
		t.Fatalf("title search: %+v %v", byTitle, err)
	}
	byAuthor, err := env.app.Shelf(ctx, "john roe")
	if err != nil || byAuthor.MatchedBy != "author" || len(byAuthor.Books) != 1 {
		t.Fatalf("author search: %+v %v", byAuthor, err)
	}
	none, err := env.app.Shelf(ctx, "moby dick")
	if err != nil || len(none.Books) != 0 || !strings.Contains(none.Suggestion, "Moby Dick") {
		t.Fatalf("empty search: %+v %v", none, err)
	}
}

func TestRecommendations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin, _ := env.register(t, "jane", "jane@example.com")
	member, _ := env.register(t, "john", "john@example.com")

	if _, err := env.app.Recommend(ctx, member, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty recommendation: err = %v", err)
	}
	if _, err := env.app.Recommend(ctx, member, strings.Repeat("x", MaxRecommendationLength+1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("long recommendation: err = %v", err)
	}
	if _, err := env.app.Recommend(ctx, member, "Moby Dick"); err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if _, err := env.app.ListRecommendations(ctx, member); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member list: err = %v", err)
	}
	recs, err := env.app.ListRecommendations(ctx, admin)
	if err != nil || len(recs) != 1 || recs[0].Username != "john" || recs[0].Text != "Moby Dick" {
		t.Fatalf("list recommendations: %+v %v", recs, err)
	}
	if n, err := env.app.DeleteRecommendation(ctx, admin, "Moby Dick"); err != nil || n != 1 {
		t.Fatalf("delete recommendation: %d %v", n, err)
	}
	if _, err := env.app.DeleteRecommendation(ctx, admin, "Moby Dick"); !errors.Is(err, ErrRecommendationNotFound) {
		t.Fatalf("second delete: err = %v", err)
	}
}

func resetTokenFromMail(t *testing.T, body string) string {
	t.Helper()
	prefix := testBaseURL + "/reset_password/"
	idx := strings.Index(body, prefix)
	if idx < 0 {
		t.Fatalf("reset link missing from body: %q", body)
	}
	rest := body[idx+len(prefix):]
	if end := strings.IndexAny(rest, " \n"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, oldSession := env.register(t, "jane", "jane@example.com")

	sent := env.mail.count()
	if err := env.app.ForgotPassword(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("forgot unknown: %v", err)
	}
	if env.mail.count() != sent {
		t.Fatalf("unknown email should not receive mail")
	}
	if err := env.app.ForgotPassword(ctx, "not-an-email"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("invalid email: err = %v", err)
	}

	if err := env.app.ForgotPassword(ctx, "Jane@Example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	msg, _ := env.mail.last()
	if msg.Subject != "Password Reset Request" || !strings.Contains(msg.Body, "one hour") {
		t.Fatalf("unexpected reset mail: %+v", msg)
	}
	token := resetTokenFromMail(t, msg.Body)
	email, err := env.app.ValidateReset(ctx, token)
	if err != nil || email != "jane@example.com" {
		t.Fatalf("validate: %q %v", email, err)
	}

	const newPassword = "Brand9New?"
	if err := env.app.ResetPassword(ctx, token, newPassword, "Other9New?"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("mismatch: err = %v", err)
	}
	if err := env.app.ResetPassword(ctx, token, "short", "short"); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("weak: err = %v", err)
	}
	if err := env.app.ResetPassword(ctx, token+"x", newPassword, newPassword); !errors.Is(err, resettoken.ErrExpiredOrInvalid) {
		t.Fatalf("tampered: err = %v", err)
	}
	if err := env.app.ResetPassword(ctx, token, newPassword, newPassword); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, _, err := env.app.Login(ctx, "jane", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still works: %v", err)
	}
	if _, _, err := env.app.Login(ctx, "jane", newPassword); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if _, err := env.app.Authenticate(ctx, oldSession); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("sessions issued before the reset should be revoked, err = %v", err)
	}
}

func TestResetLinkEscapesToken(t *testing.T) {
	env := newTestEnv(t)
	if got := env.app.ResetLink("a/b"); got != testBaseURL+"/reset_password/a%2Fb" {
		t.Fatalf("reset link = %q", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Store: store.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without sessions, objects and resets")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store or database url")
	}
}
