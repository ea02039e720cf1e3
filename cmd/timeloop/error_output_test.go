package main

import (
	"bytes"
	stderrors "errors"
	"strings"
	"testing"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
)

func TestExitCodeForError(t *testing.T) {
	cases := []struct {
		category coreerrors.Category
		want     int
	}{
		{coreerrors.CategoryInvalidInput, exitInvalidInput},
		{coreerrors.CategoryNotFound, exitNotFound},
		{coreerrors.CategoryDecryption, exitDecryptionFailed},
		{coreerrors.CategorySaltMismatch, exitSaltMismatch},
		{coreerrors.CategoryConfiguration, exitConfiguration},
		{coreerrors.CategorySerialization, exitCorruptData},
		{coreerrors.CategoryIOFailure, exitInternalFailure},
		{coreerrors.CategoryStateContention, exitInternalFailure},
	}
	for _, tc := range cases {
		err := coreerrors.Wrap(stderrors.New("boom"), tc.category, "code", "", false)
		if got := exitCodeForError(err, exitInvalidInput); got != tc.want {
			t.Fatalf("%s: expected %d got %d", tc.category, tc.want, got)
		}
	}
	if got := exitCodeForError(stderrors.New("plain"), exitInvalidInput); got != exitInvalidInput {
		t.Fatalf("unclassified errors use the fallback, got %d", got)
	}
	if got := exitCodeForError(nil, exitInvalidInput); got != exitOK {
		t.Fatalf("nil error: expected %d got %d", exitOK, got)
	}
}

func TestNewErrorOutputDefaults(t *testing.T) {
	output := newErrorOutput(stderrors.New("plain"), exitNotFound)
	if output.ErrorCategory != "not_found" || output.ErrorCode != "not_found" {
		t.Fatalf("unexpected defaults %#v", output)
	}
	if output.Hint != defaultHint(exitNotFound) || output.Retryable {
		t.Fatalf("unexpected hint or retryable %#v", output)
	}

	contention := coreerrors.Wrap(stderrors.New("poisoned"), coreerrors.CategoryStateContention, "store_poisoned", "reopen the storage", false)
	output = newErrorOutput(contention, exitInternalFailure)
	if output.ErrorCode != "store_poisoned" || output.Hint != "reopen the storage" || !output.Retryable {
		t.Fatalf("unexpected classified output %#v", output)
	}
}

func TestWriteError(t *testing.T) {
	err := coreerrors.Wrap(stderrors.New("salt differs"), coreerrors.CategorySaltMismatch, "salt_mismatch", "", false)

	var stdout, stderr bytes.Buffer
	if code := writeError(&stdout, &stderr, err, true); code != exitSaltMismatch {
		t.Fatalf("expected %d got %d", exitSaltMismatch, code)
	}
	result := stdout.String()
	for _, want := range []string{`"ok":false`, `"error_code":"salt_mismatch"`, `"error_category":"salt_mismatch"`, `"retryable":false`} {
		if !strings.Contains(result, want) {
			t.Fatalf("missing %s in output: %s", want, result)
		}
	}
	if stderr.Len() != 0 {
		t.Fatalf("json mode must not write stderr, got %q", stderr.String())
	}

	stdout.Reset()
	if code := writeError(&stdout, &stderr, err, false); code != exitSaltMismatch {
		t.Fatalf("expected %d got %d", exitSaltMismatch, code)
	}
	if stdout.Len() != 0 || !strings.HasPrefix(stderr.String(), "error: salt differs") || !strings.Contains(stderr.String(), "hint: import through") {
		t.Fatalf("unexpected text output stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}
