package seal

import (
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/schema"
	"github.com/davidahmann/timeloop/core/schema/validate"
)

// Envelope is the encrypted wrapper written in place of a plaintext snapshot or export
// bundle. In the text encoding the byte fields are base64 strings; in the binary encoding
// they are raw byte strings.
type Envelope struct {
	Salt       []byte     `json:"salt"`
	Nonce      []byte     `json:"nonce"`
	Ciphertext []byte     `json:"ciphertext"`
	KeyID      string     `json:"key_id,omitempty"`
	KDF        *KDFParams `json:"kdf,omitempty"`
}

func (e Envelope) wellFormed() bool {
	return len(e.Salt) == SaltSize && len(e.Nonce) == NonceSize && len(e.Ciphertext) >= TagSize
}

// SealedRecord wraps one encrypted append-only log record.
type SealedRecord struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealDocument encrypts plaintext under key and returns the encoded wrapper. The
// plaintext buffer is wiped once sealed.
func SealDocument(format codec.Format, key *Key, plaintext []byte) ([]byte, error) {
	defer memguard.WipeBytes(plaintext)
	nonce, ciphertext, err := key.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	params := key.Params()
	envelope := Envelope{
		Salt:       key.Salt(),
		Nonce:      nonce,
		Ciphertext: ciphertext,
		KDF:        &params,
	}
	return EncodeEnvelope(format, envelope)
}

func EncodeEnvelope(format codec.Format, envelope Envelope) ([]byte, error) {
	encoded, err := codec.Marshal(format, envelope)
	if err != nil {
		return nil, coreerrors.Serialization(fmt.Errorf("encode envelope: %w", err), "envelope_encode_failed")
	}
	return encoded, nil
}

// DecodeEnvelope reports whether data is an encrypted wrapper in the given encoding.
// A false result means the caller should treat data as plaintext.
func DecodeEnvelope(format codec.Format, data []byte) (Envelope, bool) {
	if format == codec.Text && !validate.Matches(schema.Envelope, data) {
		return Envelope{}, false
	}
	var envelope Envelope
	if err := codec.Unmarshal(format, data, &envelope); err != nil {
		return Envelope{}, false
	}
	if !envelope.wellFormed() {
		return Envelope{}, false
	}
	return envelope, true
}

// Open decrypts the envelope payload with key.
func (e Envelope) Open(key *Key) ([]byte, error) {
	return key.Open(e.Nonce, e.Ciphertext)
}

// SealRecord encrypts one log record body and encodes the small {nonce, ciphertext} wrapper.
func SealRecord(format codec.Format, key *Key, plaintext []byte) ([]byte, error) {
	defer memguard.WipeBytes(plaintext)
	nonce, ciphertext, err := key.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	encoded, err := codec.MarshalCompact(format, SealedRecord{Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return nil, coreerrors.Serialization(fmt.Errorf("encode sealed record: %w", err), "record_encode_failed")
	}
	return encoded, nil
}

func OpenRecord(format codec.Format, key *Key, body []byte) ([]byte, error) {
	var record SealedRecord
	if err := codec.Unmarshal(format, body, &record); err != nil {
		return nil, coreerrors.Serialization(fmt.Errorf("decode sealed record: %w", err), "record_decode_failed")
	}
	return key.Open(record.Nonce, record.Ciphertext)
}
