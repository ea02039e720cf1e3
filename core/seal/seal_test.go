package seal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
)

func fastParams() KDFParams {
	return KDFParams{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}
}

func mustDerive(t *testing.T, passphrase string, salt []byte) *Key {
	t.Helper()
	key, err := DeriveKey([]byte(passphrase), salt, fastParams())
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	t.Cleanup(key.Destroy)
	return key
}

func mustSalt(t *testing.T) []byte {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	return salt
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := mustDerive(t, "pw", mustSalt(t))
	nonce, ciphertext, err := key.Seal([]byte("hello timeline"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("unexpected nonce size %d", len(nonce))
	}
	plaintext, err := key.Open(nonce, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "hello timeline" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	key := mustDerive(t, "pw", mustSalt(t))
	firstNonce, firstCipher, err := key.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	secondNonce, secondCipher, err := key.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(firstNonce, secondNonce) || bytes.Equal(firstCipher, secondCipher) {
		t.Fatal("expected distinct nonce and ciphertext per call")
	}
}

func TestOpenFailsClosed(t *testing.T) {
	salt := mustSalt(t)
	key := mustDerive(t, "pw", salt)
	nonce, ciphertext, err := key.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	wrong := mustDerive(t, "other", salt)
	if _, err := wrong.Open(nonce, ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected decryption error for wrong passphrase, got %v", err)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xff
	plaintext, err := key.Open(nonce, tampered)
	if err == nil || plaintext != nil {
		t.Fatalf("expected tampered ciphertext to fail without plaintext, got %q %v", plaintext, err)
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryDecryption {
		t.Fatalf("expected decryption category, got %q", coreerrors.CategoryOf(err))
	}
	if _, err := key.Open(nonce[:5], ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected malformed nonce to fail as decryption, got %v", err)
	}
}

func TestMismatchedKDFParamsLookLikeWrongPassphrase(t *testing.T) {
	salt := mustSalt(t)
	key := mustDerive(t, "pw", salt)
	nonce, ciphertext, err := key.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	other, err := DeriveKey([]byte("pw"), salt, KDFParams{MemoryKiB: 2048, Iterations: 1, Parallelism: 1})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	defer other.Destroy()
	if _, err := other.Open(nonce, ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected decryption error, got %v", err)
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	if _, err := DeriveKey([]byte("pw"), []byte("short"), fastParams()); coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("expected invalid input for short salt, got %v", err)
	}
	bad := fastParams()
	bad.Iterations = 0
	if _, err := DeriveKey([]byte("pw"), make([]byte, SaltSize), bad); coreerrors.CategoryOf(err) != coreerrors.CategoryConfiguration {
		t.Fatalf("expected configuration error for zero iterations, got %v", err)
	}
}

func TestDeriveKeyWipesPassphrase(t *testing.T) {
	passphrase := []byte("wipe-me")
	key, err := DeriveKey(passphrase, make([]byte, SaltSize), fastParams())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	defer key.Destroy()
	if !bytes.Equal(passphrase, make([]byte, len(passphrase))) {
		t.Fatalf("expected passphrase to be zeroed, got %q", passphrase)
	}
}

func TestDestroyZeroizesSalt(t *testing.T) {
	salt := mustSalt(t)
	key, err := DeriveKey([]byte("pw"), salt, fastParams())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	key.Destroy()
	key.Destroy()
	if len(key.Salt()) != 0 {
		t.Fatal("expected salt to be dropped")
	}
	if _, _, err := key.Seal([]byte("x")); coreerrors.CategoryOf(err) != coreerrors.CategoryConfiguration {
		t.Fatalf("expected destroyed key to refuse sealing, got %v", err)
	}
}

func TestExportKeyIsDeterministicPerSalt(t *testing.T) {
	key := mustDerive(t, "pw", mustSalt(t))
	exportSalt := mustSalt(t)
	first, err := key.ExportKey(exportSalt)
	if err != nil {
		t.Fatalf("export key: %v", err)
	}
	defer first.Destroy()
	second, err := key.ExportKey(exportSalt)
	if err != nil {
		t.Fatalf("export key: %v", err)
	}
	defer second.Destroy()
	nonce, ciphertext, err := first.Seal([]byte("bundle"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := second.Open(nonce, ciphertext); err != nil {
		t.Fatalf("expected same export salt to reopen: %v", err)
	}
	if _, err := key.Open(nonce, ciphertext); err == nil {
		t.Fatal("export key must differ from storage key")
	}
}

func TestEnvelopeDetectionBothFormats(t *testing.T) {
	key := mustDerive(t, "pw", mustSalt(t))
	for _, format := range []codec.Format{codec.Text, codec.Binary} {
		t.Run(string(format), func(t *testing.T) {
			sealed, err := SealDocument(format, key, []byte(`{"secret":"session-name"}`))
			if err != nil {
				t.Fatalf("seal document: %v", err)
			}
			if bytes.Contains(sealed, []byte("session-name")) {
				t.Fatal("plaintext leaked into envelope")
			}
			envelope, ok := DecodeEnvelope(format, sealed)
			if !ok {
				t.Fatal("expected envelope to be detected")
			}
			if envelope.KDF == nil || envelope.KDF.MemoryKiB != 1024 {
				t.Fatalf("expected kdf params in envelope, got %#v", envelope.KDF)
			}
			plaintext, err := envelope.Open(key)
			if err != nil {
				t.Fatalf("open envelope: %v", err)
			}
			if string(plaintext) != `{"secret":"session-name"}` {
				t.Fatalf("unexpected plaintext %q", plaintext)
			}
		})
	}
	if _, ok := DecodeEnvelope(codec.Text, []byte(`{"schema_id":"timeloop.storage.snapshot"}`)); ok {
		t.Fatal("plaintext document detected as envelope")
	}
	if _, ok := DecodeEnvelope(codec.Binary, []byte{0x01, 0x02}); ok {
		t.Fatal("garbage detected as envelope")
	}
}

func TestSealedRecordRoundTrip(t *testing.T) {
	key := mustDerive(t, "pw", mustSalt(t))
	for _, format := range []codec.Format{codec.Text, codec.Binary} {
		body, err := SealRecord(format, key, []byte("record"))
		if err != nil {
			t.Fatalf("%s: seal record: %v", format, err)
		}
		if format == codec.Text && bytes.ContainsRune(body, '\n') {
			t.Fatal("text record must stay on one line")
		}
		plaintext, err := OpenRecord(format, key, body)
		if err != nil {
			t.Fatalf("%s: open record: %v", format, err)
		}
		if string(plaintext) != "record" {
			t.Fatalf("%s: unexpected plaintext %q", format, plaintext)
		}
	}
}
