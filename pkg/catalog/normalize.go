package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/biter777/countries"

	"elibrary/pkg/domain"
)

// ISO 3166-1 reserves numeric codes from 900 up for user-assigned entries
// such as None and International.
const maxCountryNumeric = 899

var wordPattern = regexp.MustCompile(`[A-Za-z]+('[A-Za-z]+)?`)

// TitleCase upper-cases the first letter of every ASCII word and lower-cases
// the rest. A word may carry one apostrophe part, so "o'neil" becomes "O'neil".
// Other characters are kept as they are.
func TitleCase(s string) string {
	return wordPattern.ReplaceAllStringFunc(s, func(word string) string {
		return strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
	})
}

// NormalizeCountry maps a country name, alpha-2 or alpha-3 code to its
// canonical English name.
func NormalizeCountry(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: country is required", ErrValidation)
	}
	code := countries.ByName(input)
	if !code.IsValid() || int(code) > maxCountryNumeric {
		return "", fmt.Errorf("%w: unknown country %q", ErrValidation, input)
	}
	return code.String(), nil
}

// Normalize validates a submission and returns it in stored form: text fields
// trimmed, title, publisher and author names title-cased and countries canonical.
func Normalize(sub domain.Submission) (domain.Submission, error) {
	out := domain.Submission{
		ISBN:         strings.TrimSpace(sub.ISBN),
		Title:        TitleCase(strings.TrimSpace(sub.Title)),
		Publisher:    TitleCase(strings.TrimSpace(sub.Publisher)),
		Year:         strings.TrimSpace(sub.Year),
		DocumentPath: sub.DocumentPath,
		CoverPath:    sub.CoverPath,
	}
	switch {
	case out.ISBN == "":
		return domain.Submission{}, fmt.Errorf("%w: isbn is required", ErrValidation)
	case out.Title == "":
		return domain.Submission{}, fmt.Errorf("%w: title is required", ErrValidation)
	case out.Publisher == "":
		return domain.Submission{}, fmt.Errorf("%w: publisher is required", ErrValidation)
	case out.Year == "":
		return domain.Submission{}, fmt.Errorf("%w: year is required", ErrValidation)
	case len(sub.Authors) == 0:
		return domain.Submission{}, fmt.Errorf("%w: at least one author is required", ErrValidation)
	}
	out.Authors = make([]domain.AuthorInput, 0, len(sub.Authors))
	for i, a := range sub.Authors {
		name := TitleCase(strings.TrimSpace(a.Name))
		if name == "" {
			return domain.Submission{}, fmt.Errorf("%w: author %d: name is required", ErrValidation, i+1)
		}
		birth := strings.TrimSpace(a.Birth)
		if birth == "" {
			return domain.Submission{}, fmt.Errorf("%w: author %d: birth is required", ErrValidation, i+1)
		}
		country, err := NormalizeCountry(a.Country)
		if err != nil {
			return domain.Submission{}, fmt.Errorf("author %d: %w", i+1, err)
		}
		out.Authors = append(out.Authors, domain.AuthorInput{Name: name, Country: country, Birth: birth})
	}
	return out, nil
}
