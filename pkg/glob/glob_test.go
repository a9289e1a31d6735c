package glob

import "testing"

func TestMatchLiteral(t *testing.T) {
	if !Match("src/main.go", "src/main.go") {
		t.Fatal("literal pattern should match identical path")
	}
	if Match("src/main.go", "src/other.go") {
		t.Fatal("literal pattern should not match a different path")
	}
}

func TestMatchWildcard(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "src/sub/main.go", false},
		{"src/**/*.go", "src/sub/main.go", true},
		{"src/**/*.go", "src/main.go", true},
		{"*.md", "README.md", true},
		{"*.md", "docs/README.md", false},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.path); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestMatchBraceExpansion(t *testing.T) {
	if !Match("src/{main,util}.go", "src/util.go") {
		t.Fatal("brace group should expand to match util.go")
	}
	if Match("src/{main,util}.go", "src/other.go") {
		t.Fatal("brace group should not match a path outside its options")
	}
}

func TestConflictLiteralVsLiteral(t *testing.T) {
	if !Conflict([]string{"src/main.go"}, []string{"src/main.go"}) {
		t.Fatal("identical literal paths should conflict")
	}
	if Conflict([]string{"src/main.go"}, []string{"src/other.go"}) {
		t.Fatal("different literal paths should not conflict")
	}
}

func TestConflictLiteralVsPattern(t *testing.T) {
	if !Conflict([]string{"src/main.go"}, []string{"src/*.go"}) {
		t.Fatal("a literal path matching a wildcard pattern should conflict")
	}
	if Conflict([]string{"docs/README.md"}, []string{"src/*.go"}) {
		t.Fatal("disjoint literal and pattern should not conflict")
	}
}

func TestConflictPatternVsPatternOverApproximates(t *testing.T) {
	if !Conflict([]string{"src/*.go"}, []string{"src/*.go"}) {
		t.Fatal("identical patterns must conflict")
	}
	if Conflict([]string{"src/**"}, []string{"tests/**"}) {
		t.Fatal("patterns with divergent literal prefixes should never conflict")
	}
	// Conservative over-approximation: different wildcard suffixes under
	// the same literal prefix are reported as conflicting even though no
	// concrete path necessarily satisfies both
	if !Conflict([]string{"src/*.go"}, []string{"src/*.md"}) {
		t.Fatal("same-prefix wildcard patterns should conservatively conflict")
	}
}

func TestConflictEmptySets(t *testing.T) {
	if Conflict(nil, []string{"src/*.go"}) {
		t.Fatal("an empty pattern set can never conflict")
	}
}
