package catalog

import (
	"errors"
	"testing"
)

func TestTitleCase(t *testing.T) {
	tests := map[string]string{
		"the old man":        "The Old Man",
		"o'neil":             "O'neil",
		"PENGUIN books":      "Penguin Books",
		"war & peace, vol.2": "War & Peace, Vol.2",
		"  spaced  out ":     "  Spaced  Out ",
		"":                   "",
	}
	for in, want := range tests {
		if got := TitleCase(in); got != want {
			t.Fatalf("TitleCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeCountryAcceptsNamesAndCodes(t *testing.T) {
	canonical, err := NormalizeCountry("US")
	if err != nil {
		t.Fatalf("normalize code: %v", err)
	}
	for _, in := range []string{"USA", "usa", " Us "} {
		got, err := NormalizeCountry(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != canonical {
			t.Fatalf("normalize %q = %q, want %q", in, got, canonical)
		}
	}
	if _, err := NormalizeCountry("Nigeria"); err != nil {
		t.Fatalf("normalize name: %v", err)
	}
}

func TestNormalizeCountryRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "Atlantis", "XX", "None", "International"} {
		if _, err := NormalizeCountry(in); !errors.Is(err, ErrValidation) {
			t.Fatalf("normalize %q: expected ErrValidation, got %v", in, err)
		}
	}
}
