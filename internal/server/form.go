package server

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"elibrary/pkg/catalog"
	"elibrary/pkg/domain"
)

// maxFormAuthors bounds the authors[i] scan of one upload form.
const maxFormAuthors = 64

// parseAuthors reads the co-authors of an add-book form. Structured fields
// authors[i].name, authors[i].country and authors[i].birth take precedence;
// otherwise the comma-joined author, country and birth fields are split and
// must have the same number of entries.
func parseAuthors(form url.Values) ([]domain.AuthorInput, error) {
	if authors := structuredAuthors(form); len(authors) > 0 {
		return authors, nil
	}
	names := splitList(form.Get("author"))
	countries := splitList(form.Get("country"))
	births := splitList(form.Get("birth"))
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one author is required", catalog.ErrValidation)
	}
	if len(countries) != len(names) || len(births) != len(names) {
		return nil, fmt.Errorf("%w: got %d authors, %d countries and %d birth dates",
			catalog.ErrValidation, len(names), len(countries), len(births))
	}
	authors := make([]domain.AuthorInput, len(names))
	for i := range names {
		authors[i] = domain.AuthorInput{Name: names[i], Country: countries[i], Birth: births[i]}
	}
	return authors, nil
}

func structuredAuthors(form url.Values) []domain.AuthorInput {
	var authors []domain.AuthorInput
	for i := 0; i < maxFormAuthors; i++ {
		prefix := "authors[" + strconv.Itoa(i) + "]."
		name, hasName := form[prefix+"name"]
		if !hasName {
			break
		}
		authors = append(authors, domain.AuthorInput{
			Name:    strings.TrimSpace(first(name)),
			Country: strings.TrimSpace(form.Get(prefix + "country")),
			Birth:   strings.TrimSpace(form.Get(prefix + "birth")),
		})
	}
	return authors
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
