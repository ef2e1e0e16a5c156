package tenant

import "testing"

func TestSlugPattern(t *testing.T) {
	valid := []string{"acme", "acme_corp", "a1", "tenant42"}
	for _, s := range valid {
		if !slugPattern.MatchString(s) {
			t.Errorf("slugPattern should accept %q", s)
		}
	}

	invalid := []string{"", "A", "1abc", "acme-corp", "a", "drop table;"}
	for _, s := range invalid {
		if slugPattern.MatchString(s) {
			t.Errorf("slugPattern should reject %q", s)
		}
	}
}

func TestWithSearchPath(t *testing.T) {
	got, err := withSearchPath("postgres://u:p@localhost:5432/quarry?sslmode=disable", "tenant_acme")
	if err != nil {
		t.Fatalf("withSearchPath() error: %v", err)
	}
	want := "postgres://u:p@localhost:5432/quarry?search_path=tenant_acme&sslmode=disable"
	if got != want {
		t.Errorf("withSearchPath() = %q, want %q", got, want)
	}
}
