package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, CategoryStateContention, "append_lock_timeout", "another writer holds the log", true)
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryStateContention {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "append_lock_timeout" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "another writer holds the log" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if !RetryableOf(err) {
		t.Fatal("expected retryable true")
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestHelpersClassify(t *testing.T) {
	base := stderrors.New("disk full")
	cases := []struct {
		name     string
		err      error
		category Category
	}{
		{name: "io", err: IO(base, "snapshot_write_failed"), category: CategoryIOFailure},
		{name: "serialization", err: Serialization(base, "snapshot_decode_failed"), category: CategorySerialization},
		{name: "configuration", err: Configuration(base, "not_path_bound"), category: CategoryConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if CategoryOf(tc.err) != tc.category {
				t.Fatalf("expected %s got %s", tc.category, CategoryOf(tc.err))
			}
			if HintOf(tc.err) == "" {
				t.Fatal("expected a hint")
			}
			if RetryableOf(tc.err) {
				t.Fatal("expected retryable false")
			}
		})
	}
}

func TestCategorySurvivesFmtWrapping(t *testing.T) {
	inner := Wrap(stderrors.New("tag mismatch"), CategoryDecryption, "decrypt_failed", "wrong passphrase", false)
	outer := fmt.Errorf("open snapshot: %w", inner)
	if CategoryOf(outer) != CategoryDecryption {
		t.Fatalf("unexpected category: %s", CategoryOf(outer))
	}
	if CodeOf(outer) != "decrypt_failed" {
		t.Fatalf("unexpected code: %s", CodeOf(outer))
	}
}

func TestUnclassifiedErrorsReportZeroValues(t *testing.T) {
	for _, err := range []error{nil, stderrors.New("plain"), fmt.Errorf("replay: %w", stderrors.New("eof"))} {
		if CategoryOf(err) != "" || CodeOf(err) != "" || HintOf(err) != "" || RetryableOf(err) {
			t.Fatalf("%v: expected zero classification, got %q/%q/%q/%v", err, CategoryOf(err), CodeOf(err), HintOf(err), RetryableOf(err))
		}
	}
}

func TestNilCause(t *testing.T) {
	for name, got := range map[string]error{
		"wrap":          Wrap(nil, CategoryInternalFailure, "internal_failure", "", false),
		"io":            IO(nil, "snapshot_write_failed"),
		"serialization": Serialization(nil, "log_corrupt"),
		"configuration": Configuration(nil, "invalid_format"),
	} {
		if got != nil {
			t.Fatalf("%s: a nil cause must stay nil, got %v", name, got)
		}
	}

	// A zero cause only arises from a hand-built value; it still reports its classification.
	bare := &classifiedError{category: CategorySaltMismatch, code: "salt_mismatch"}
	if bare.Error() != "unknown error" || bare.Unwrap() != nil {
		t.Fatalf("unexpected bare error %q unwrap=%v", bare.Error(), bare.Unwrap())
	}
	if bare.Category() != CategorySaltMismatch || bare.Code() != "salt_mismatch" || bare.Hint() != "" || bare.Retryable() {
		t.Fatalf("unexpected bare classification %#v", bare)
	}
}
