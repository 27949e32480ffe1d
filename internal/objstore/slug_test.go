package objstore

import "testing"

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Wedding", "wedding"},
		{"spaces", "Summer Wedding 2026", "summer-wedding-2026"},
		{"diacritics", "Jiří's Fotky", "jiri-s-fotky"},
		{"punctuation runs", "gala!!!night", "gala-night"},
		{"leading trailing", "  trimmed  ", "trimmed"},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Slug(tc.in); got != tc.want {
				t.Errorf("Slug(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
