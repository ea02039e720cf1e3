package storage

import (
	"errors"
	"fmt"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/seal"
)

var (
	ErrDecryption        = seal.ErrDecryption
	ErrSaltMismatch      = errors.New("export was sealed under a different storage salt")
	ErrNotPathBound      = errors.New("operation requires a path-bound storage handle")
	ErrEncryptedSnapshot = errors.New("file is encrypted but no passphrase was supplied")
	ErrClosed            = errors.New("storage handle is closed")
	ErrNotFound          = errors.New("not found")
	ErrPoisoned          = errors.New("storage lock poisoned by an earlier panic")
	ErrDigestMismatch    = errors.New("export bundle digest mismatch")
)

func notFound(kind, id string) error {
	return coreerrors.Wrap(fmt.Errorf("%s %q: %w", kind, id, ErrNotFound), coreerrors.CategoryNotFound, kind+"_not_found", "", false)
}

func closedError() error {
	return coreerrors.Wrap(ErrClosed, coreerrors.CategoryConfiguration, "handle_closed", "open a new storage handle", false)
}

func poisonedError() error {
	return coreerrors.Wrap(ErrPoisoned, coreerrors.CategoryStateContention, "lock_poisoned", "reopen the storage to recover from the earlier panic", false)
}

func saltMismatchError(want, got string) error {
	return coreerrors.Wrap(fmt.Errorf("%w: bundle key %q, storage key %q", ErrSaltMismatch, got, want), coreerrors.CategorySaltMismatch, "import_salt_mismatch", "import through the storage that produced the export", false)
}

func notPathBoundError() error {
	return coreerrors.Configuration(ErrNotPathBound, "not_path_bound")
}

func encryptedSnapshotError(path string) error {
	return coreerrors.Wrap(fmt.Errorf("%s: %w", path, ErrEncryptedSnapshot), coreerrors.CategoryConfiguration, "passphrase_required", "open the file with a passphrase", false)
}

// corruptedSnapshotError reports a file opened with a passphrase that is neither a
// readable wrapper nor a plaintext snapshot.
func corruptedSnapshotError(path string, cause error) error {
	return coreerrors.Wrap(fmt.Errorf("%s: %w: %v", path, ErrDecryption, cause), coreerrors.CategoryDecryption, "snapshot_corrupted", "restore the file from a backup or check the passphrase", false)
}

func invalidInput(code string, format string, args ...any) error {
	return coreerrors.Wrap(fmt.Errorf(format, args...), coreerrors.CategoryInvalidInput, code, "", false)
}
