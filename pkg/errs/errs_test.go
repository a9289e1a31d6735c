package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestConstructorsSetKindAndFormatMessage(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"Validation", Validation("bad_input", "field %s missing", "title"), KindValidation},
		{"NotFound", NotFound("no_cell", "cell %s not found", "42"), KindNotFound},
		{"Conflict", Conflict("bad_transition", "cannot move from %s to %s", "closed", "open"), KindConflict},
		{"Transient", Transient("db_locked", "retry later"), KindTransient},
		{"ExternalUnavailable", ExternalUnavailable("embedder_down", "no response"), KindExternalUnavailable},
		{"Corrupted", Corrupted("bad_checksum", "mismatch"), KindCorrupted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Kind != tc.kind {
				t.Fatalf("%s Kind = %v, want %v", tc.name, tc.err.Kind, tc.kind)
			}
			if !Is(tc.err, tc.kind) {
				t.Fatalf("Is(%v, %v) = false, want true", tc.err, tc.kind)
			}
		})
	}
}

func TestErrorMessageIncludesCodeAndHint(t *testing.T) {
	err := Validation("bad_input", "title is required")
	if got := err.Error(); got != "bad_input: title is required" {
		t.Fatalf("Error() = %q, want no hint suffix", got)
	}

	err.WithHint("pass --title")
	if got := err.Error(); !strings.Contains(got, "hint: pass --title") {
		t.Fatalf("Error() = %q, want it to include the hint", got)
	}
}

func TestConflictWithHoldersCarriesHolderList(t *testing.T) {
	err := ConflictWithHolders("reservation_conflict", "file locked by another agent", []string{"agent-a", "agent-b"})
	if err.Kind != KindConflict {
		t.Fatalf("Kind = %v, want conflict", err.Kind)
	}
	if len(err.Holders) != 2 || err.Holders[0] != "agent-a" {
		t.Fatalf("Holders = %v, want [agent-a agent-b]", err.Holders)
	}
}

func TestRateLimitCarriesEndpointAndResetFields(t *testing.T) {
	err := RateLimit("mail.send", 0, 1700000000000)
	if err.Kind != KindRateLimit {
		t.Fatalf("Kind = %v, want rate_limit", err.Kind)
	}
	if err.Endpoint != "mail.send" || err.Remaining != 0 || err.ResetAt != 1700000000000 {
		t.Fatalf("RateLimit fields = %+v, want endpoint/remaining/reset populated", err)
	}
}

func TestWrapPreservesUnderlyingCauseForUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Transient("write_failed", "could not persist").Wrap(cause)

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true after Wrap")
	}
	if err.Unwrap() != cause {
		t.Fatalf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
}

func TestIsReturnsFalseForNonSubstrateErrors(t *testing.T) {
	if Is(errors.New("plain error"), KindValidation) {
		t.Fatal("Is(plain error, validation) = true, want false")
	}
	if Is(nil, KindValidation) {
		t.Fatal("Is(nil, validation) = true, want false")
	}
}

func TestIsDistinguishesKinds(t *testing.T) {
	err := NotFound("missing", "not there")
	if Is(err, KindConflict) {
		t.Fatal("Is(not_found error, conflict) = true, want false")
	}
	if !Is(err, KindNotFound) {
		t.Fatal("Is(not_found error, not_found) = false, want true")
	}
}
