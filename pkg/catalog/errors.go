package catalog

import "errors"

var (
	// ErrValidation marks a submission that is missing or carries malformed fields.
	ErrValidation = errors.New("invalid submission")
	// ErrDuplicateBook is returned when the ISBN is already catalogued.
	ErrDuplicateBook = errors.New("book with this isbn already exists")
	// ErrUnreadableDocument is returned when no page count can be derived.
	ErrUnreadableDocument = errors.New("unreadable document")
	// ErrStorage wraps failures of the underlying store.
	ErrStorage = errors.New("catalog storage failure")
)
