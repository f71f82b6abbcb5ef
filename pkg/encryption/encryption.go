// Package encryption defines the envelope-encryption capability used to
// protect record payloads. Implementations generate a random content
// key per record, wrap it under a long-lived master key and bind the
// ciphertext to the record's identity quadruple.
package encryption

import (
	"errors"

	"github.com/i5heu/chainsync/pkg/model"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

var (
	// ErrDecryptionFailed covers every decrypt-path failure apart from
	// ErrKeyMismatch: unwrap failure, tampered ciphertext, identity
	// mismatch, malformed footer. Deliberately coarse so callers cannot
	// distinguish "wrong key" from "tampered data" from "wrong identity
	// binding" via error content.
	ErrDecryptionFailed = errors.New("encryption: decryption failed")

	// ErrKeyMismatch reports that the supplied master key is not the
	// key that wrapped the content key. Detected via the stored key id
	// before any unwrap is attempted.
	ErrKeyMismatch = errors.New("encryption: wrong master key")
)

// Encryption is the capability interface for record payload protection.
// Implementations are selected at construction time.
type Encryption interface {
	// Encrypt protects the payload with a fresh random content key,
	// binding ad into the authenticated encryption. key acts as the
	// key-encryption key and only ever touches the content key.
	Encrypt(data model.DecryptedData, ad model.AdditionalData, key []byte) (model.EncryptedData, error)

	// Decrypt reverses Encrypt. It fails with ErrKeyMismatch if key is
	// not the wrapping key, and with ErrDecryptionFailed for any other
	// integrity failure, including any mismatch in ad.
	Decrypt(data model.EncryptedData, ad model.AdditionalData, key []byte) (model.DecryptedData, error)

	// ReEncrypt rewraps the content key from oldKey to newKey. The
	// ciphertext is untouched, which makes master-key rotation a
	// metadata-only operation.
	ReEncrypt(data model.EncryptedData, ad model.AdditionalData, oldKey, newKey []byte) (model.EncryptedData, error)
}

// EncryptRecord encrypts a record's payload and returns the record in
// its at-rest form. All identity fields carry over unchanged.
func EncryptRecord(enc Encryption, rec model.Record, key []byte) (model.EncryptedRecord, error) {
	data, err := enc.Encrypt(rec.Data, rec.AdditionalData(), key)
	if err != nil {
		return model.EncryptedRecord{}, err
	}

	return model.EncryptedRecord{
		ID:        rec.ID,
		Host:      rec.Host,
		Parent:    rec.Parent,
		Timestamp: rec.Timestamp,
		Version:   rec.Version,
		Tag:       rec.Tag,
		Data:      data,
	}, nil
}

// DecryptRecord decrypts a record's payload and returns the record in
// its in-memory form.
func DecryptRecord(enc Encryption, rec model.EncryptedRecord, key []byte) (model.Record, error) {
	data, err := enc.Decrypt(rec.Data, rec.AdditionalData(), key)
	if err != nil {
		return model.Record{}, err
	}

	return model.Record{
		ID:        rec.ID,
		Host:      rec.Host,
		Parent:    rec.Parent,
		Timestamp: rec.Timestamp,
		Version:   rec.Version,
		Tag:       rec.Tag,
		Data:      data,
	}, nil
}

// ReEncryptRecord rewraps a record's content key from oldKey to newKey
// in place of the stored footer. The payload ciphertext is untouched.
func ReEncryptRecord(enc Encryption, rec model.EncryptedRecord, oldKey, newKey []byte) (model.EncryptedRecord, error) {
	data, err := enc.ReEncrypt(rec.Data, rec.AdditionalData(), oldKey, newKey)
	if err != nil {
		return model.EncryptedRecord{}, err
	}

	rec.Data = data
	return rec, nil
}
