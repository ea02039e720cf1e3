// Package seal derives storage keys from passphrases and encrypts payloads with
// XChaCha20-Poly1305. Key bytes live in memguard-locked memory and are wiped on Destroy.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/awnumar/memguard"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	SaltSize  = 16
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead

	algorithmArgon2id = "argon2id"
	exportInfo        = "timeloop export v1"
)

// ErrDecryption covers every authentication failure: wrong passphrase, mismatched KDF
// parameters and corrupted ciphertext all look the same from here.
var ErrDecryption = errors.New("decryption failed: wrong passphrase or corrupted data")

var errKeyDestroyed = errors.New("key material already destroyed")

// KDFParams are the Argon2id cost parameters. They must match on every open.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:   algorithmArgon2id,
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 1,
	}
}

func (p KDFParams) normalized() KDFParams {
	if p.Algorithm == "" {
		p.Algorithm = algorithmArgon2id
	}
	return p
}

func (p KDFParams) Validate() error {
	p = p.normalized()
	switch {
	case p.Algorithm != algorithmArgon2id:
		return fmt.Errorf("unsupported kdf %q", p.Algorithm)
	case p.Iterations == 0:
		return fmt.Errorf("kdf iterations must be at least 1")
	case p.Parallelism == 0:
		return fmt.Errorf("kdf parallelism must be at least 1")
	case p.MemoryKiB < 8*uint32(p.Parallelism):
		return fmt.Errorf("kdf memory must be at least %d KiB", 8*uint32(p.Parallelism))
	}
	return nil
}

// Key is a derived symmetric key plus the salt it came from. The zero value is unusable.
type Key struct {
	mu     sync.RWMutex
	buffer *memguard.LockedBuffer
	salt   []byte
	params KDFParams
}

// NewSalt returns SaltSize bytes from the system CSPRNG.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("generate salt: %w", err), coreerrors.CategoryInternalFailure, "rng_failed", "", false)
	}
	return salt, nil
}

// DeriveKey runs Argon2id over passphrase and salt. The passphrase slice is wiped before
// returning; salt is copied.
func DeriveKey(passphrase []byte, salt []byte, params KDFParams) (*Key, error) {
	defer memguard.WipeBytes(passphrase)
	params = params.normalized()
	if err := params.Validate(); err != nil {
		return nil, coreerrors.Configuration(err, "invalid_kdf_params")
	}
	if len(salt) != SaltSize {
		return nil, coreerrors.Wrap(fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt)), coreerrors.CategoryInvalidInput, "invalid_salt", "", false)
	}
	derived := argon2.IDKey(passphrase, salt, params.Iterations, params.MemoryKiB, params.Parallelism, KeySize)
	return newKey(derived, salt, params), nil
}

// newKey moves raw into locked memory (wiping raw) and copies salt.
func newKey(raw []byte, salt []byte, params KDFParams) *Key {
	key := &Key{
		buffer: memguard.NewBufferFromBytes(raw),
		salt:   append([]byte(nil), salt...),
		params: params,
	}
	runtime.AddCleanup(key, func(buffer *memguard.LockedBuffer) {
		buffer.Destroy()
	}, key.buffer)
	return key
}

func (k *Key) Salt() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]byte(nil), k.salt...)
}

func (k *Key) Params() KDFParams {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.params
}

// KeyID fingerprints the salt so callers can tell which key sealed a payload without
// attempting decryption.
func (k *Key) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return FingerprintSalt(k.salt)
}

func FingerprintSalt(salt []byte) string {
	sum := sha256.Sum256(salt)
	return hex.EncodeToString(sum[:8])
}

// Seal encrypts plaintext under a fresh random nonce. The returned ciphertext carries the tag.
func (k *Key) Seal(plaintext []byte) (nonce []byte, ciphertext []byte, err error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	aead, err := k.aead()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, coreerrors.Wrap(fmt.Errorf("generate nonce: %w", err), coreerrors.CategoryInternalFailure, "rng_failed", "", false)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts. It never returns partial plaintext.
func (k *Key) Open(nonce []byte, ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, decryptionError(fmt.Errorf("malformed sealed payload"))
	}
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, decryptionError(err)
	}
	return plaintext, nil
}

// ExportKey derives an independent key for one export bundle via HKDF-SHA256 keyed by
// this key, so export payloads never share a key with the storage file.
func (k *Key) ExportKey(exportSalt []byte) (*Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buffer == nil || !k.buffer.IsAlive() {
		return nil, coreerrors.Configuration(errKeyDestroyed, "key_destroyed")
	}
	derived := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, k.buffer.Bytes(), exportSalt, []byte(exportInfo))
	if _, err := io.ReadFull(reader, derived); err != nil {
		memguard.WipeBytes(derived)
		return nil, coreerrors.Wrap(fmt.Errorf("derive export key: %w", err), coreerrors.CategoryInternalFailure, "hkdf_failed", "", false)
	}
	return newKey(derived, exportSalt, k.params), nil
}

// Destroy wipes the key bytes and the salt. Safe to call more than once.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buffer != nil {
		k.buffer.Destroy()
	}
	memguard.WipeBytes(k.salt)
	k.salt = nil
}

func (k *Key) aead() (cipher.AEAD, error) {
	if k.buffer == nil || !k.buffer.IsAlive() {
		return nil, coreerrors.Configuration(errKeyDestroyed, "key_destroyed")
	}
	aead, err := chacha20poly1305.NewX(k.buffer.Bytes())
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("init cipher: %w", err), coreerrors.CategoryInternalFailure, "cipher_init_failed", "", false)
	}
	return aead, nil
}

func decryptionError(cause error) error {
	return coreerrors.Wrap(fmt.Errorf("%w: %v", ErrDecryption, cause), coreerrors.CategoryDecryption, "decryption_failed", "check the passphrase and kdf parameters", false)
}
