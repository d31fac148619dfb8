package document

import (
	"errors"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// ErrNotPDF is returned for inputs without a readable PDF structure.
var ErrNotPDF = errors.New("not a pdf document")

// PDF counts the pages of a PDF held by a random-access reader.
type PDF struct {
	r    io.ReaderAt
	size int64
}

// NewPDF wraps r, which must expose size bytes.
func NewPDF(r io.ReaderAt, size int64) *PDF {
	return &PDF{r: r, size: size}
}

// PageCount returns the page count recorded in the document's page tree.
func (d *PDF) PageCount() (pages int, err error) {
	if d == nil || d.r == nil || d.size <= 0 {
		return 0, ErrNotPDF
	}
	// The parser panics on some malformed object graphs.
	defer func() {
		if rec := recover(); rec != nil {
			pages = 0
			err = fmt.Errorf("%w: %v", ErrNotPDF, rec)
		}
	}()
	reader, err := pdf.NewReader(d.r, d.size)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotPDF, err)
	}
	return reader.NumPage(), nil
}
