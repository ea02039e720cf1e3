package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
)

const (
	exitOK               = 0
	exitInternalFailure  = 1
	exitDecryptionFailed = 2
	exitSaltMismatch     = 3
	exitNotFound         = 4
	exitConfiguration    = 5
	exitInvalidInput     = 6
	exitCorruptData      = 7
)

type errorOutput struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code"`
	ErrorCategory string `json:"error_category"`
	Retryable     bool   `json:"retryable"`
	Hint          string `json:"hint,omitempty"`
}

type okOutput struct {
	OK     bool `json:"ok"`
	Result any  `json:"result,omitempty"`
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryNotFound:
		return exitNotFound
	case coreerrors.CategoryDecryption:
		return exitDecryptionFailed
	case coreerrors.CategorySaltMismatch:
		return exitSaltMismatch
	case coreerrors.CategoryConfiguration:
		return exitConfiguration
	case coreerrors.CategorySerialization:
		return exitCorruptData
	case coreerrors.CategoryIOFailure, coreerrors.CategoryStateContention, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitNotFound:
		return coreerrors.CategoryNotFound
	case exitDecryptionFailed:
		return coreerrors.CategoryDecryption
	case exitSaltMismatch:
		return coreerrors.CategorySaltMismatch
	case exitConfiguration:
		return coreerrors.CategoryConfiguration
	case exitCorruptData:
		return coreerrors.CategorySerialization
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and arguments"
	case exitNotFound:
		return "list sessions or branches to find a valid id"
	case exitDecryptionFailed:
		return "check the passphrase environment variable"
	case exitSaltMismatch:
		return "import through the storage that produced the export"
	case exitConfiguration:
		return "check flags and the config file"
	case exitCorruptData:
		return "restore the file from a backup or an archived log"
	default:
		return "retry after checking local environment and logs"
	}
}

// newErrorOutput fills the envelope from the error's classification, falling back to
// defaults derived from the exit code.
func newErrorOutput(err error, exitCode int) errorOutput {
	output := errorOutput{
		Error:         err.Error(),
		ErrorCode:     coreerrors.CodeOf(err),
		ErrorCategory: string(coreerrors.CategoryOf(err)),
		Retryable:     coreerrors.RetryableOf(err),
		Hint:          coreerrors.HintOf(err),
	}
	if strings.TrimSpace(output.ErrorCategory) == "" {
		output.ErrorCategory = string(defaultErrorCategory(exitCode))
	}
	if strings.TrimSpace(output.ErrorCode) == "" {
		output.ErrorCode = output.ErrorCategory
	}
	if strings.TrimSpace(output.Hint) == "" {
		output.Hint = defaultHint(exitCode)
	}
	if !output.Retryable {
		output.Retryable = coreerrors.Category(output.ErrorCategory) == coreerrors.CategoryStateContention
	}
	return output
}

func writeJSON(w io.Writer, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		_, _ = fmt.Fprintln(w, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return err
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}

func writeError(stdout, stderr io.Writer, err error, jsonOutput bool) int {
	exitCode := exitCodeForError(err, exitInvalidInput)
	if jsonOutput {
		_ = writeJSON(stdout, newErrorOutput(err, exitCode))
		return exitCode
	}
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	if hint := newErrorOutput(err, exitCode).Hint; hint != "" {
		_, _ = fmt.Fprintf(stderr, "hint: %s\n", hint)
	}
	return exitCode
}
