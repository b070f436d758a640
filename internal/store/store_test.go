package store

import "testing"

func TestNormalizeDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db":           "postgres://u:p@h:5432/db",
		"postgresql://u:p@h:5432/db":          "postgres://u:p@h:5432/db",
		"postgresql+asyncpg://u:p@h:5432/db":  "postgres://u:p@h:5432/db",
	}
	for in, want := range cases {
		if got := normalizeDSN(in); got != want {
			t.Errorf("normalizeDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
