// Package encryption provides the XChaCha20-Poly1305 envelope
// implementation of the encryption capability.
package encryption

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/i5heu/chainsync/pkg/encryption"
	"github.com/i5heu/chainsync/pkg/model"
)

// kidPrefix domain-separates the key id derivation from any other use
// of the master key. Changing it invalidates every stored footer.
const kidPrefix = "chainsync/kid/v0:"

// Envelope implements envelope encryption with a random per-record
// content-encryption key (CEK). The payload is base64 (URL-safe,
// unpadded) encoded and sealed with XChaCha20-Poly1305, using the
// JSON-encoded identity quadruple as additional authenticated data.
// The CEK is wrapped under the master key (the key-encryption key) and
// stored in a JSON footer next to the ciphertext, tagged with an id
// derived from the wrapping key so a wrong master key is detected
// before any unwrap is attempted.
//
// The master key never touches bulk data. Rotating it only rewraps the
// small content keys, which keeps rotation O(records) in metadata
// instead of O(data) in payload bytes.
type Envelope struct{}

// NewEnvelope creates a new Envelope engine.
func NewEnvelope() *Envelope {
	return &Envelope{}
}

// keyFooter is the wrapped-key companion object persisted alongside
// the ciphertext. Its shape is a compatibility surface and must
// round-trip exactly across versions sharing the same record Version.
type keyFooter struct {
	// WPK is the base64 (URL-safe, unpadded) wrapped content key.
	WPK string `json:"wpk"`
	// KID identifies the key that did the wrapping.
	KID string `json:"kid"`
}

// assertions is the implicit-assertion encoding bound into the AEAD.
// Field order is fixed; it cannot change without breaking decryption
// of all previously encrypted records.
type assertions struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Tag     string `json:"tag"`
	Host    string `json:"host"`
}

func encodeAssertions(ad model.AdditionalData) ([]byte, error) {
	b, err := json.Marshal(assertions{
		ID:      ad.ID,
		Version: ad.Version,
		Tag:     ad.Tag,
		Host:    ad.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("encode assertions: %w", err)
	}
	return b, nil
}

// keyID derives a stable identifier for a wrapping key. Only equality
// matters; the id reveals nothing useful about the key itself.
func keyID(key []byte) string {
	sum := blake2b.Sum256(append([]byte(kidPrefix), key...))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Encrypt seals the payload under a fresh random CEK and nonce.
func (e *Envelope) Encrypt(data model.DecryptedData, ad model.AdditionalData, key []byte) (model.EncryptedData, error) {
	if len(key) != encryption.KeySize {
		return model.EncryptedData{}, fmt.Errorf("encrypt: master key must be %d bytes, got %d", encryption.KeySize, len(key))
	}

	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(cek); err != nil {
		return model.EncryptedData{}, fmt.Errorf("generate content key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return model.EncryptedData{}, fmt.Errorf("init content cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return model.EncryptedData{}, fmt.Errorf("generate nonce: %w", err)
	}

	aad, err := encodeAssertions(ad)
	if err != nil {
		return model.EncryptedData{}, err
	}

	payload := base64.RawURLEncoding.EncodeToString(data)
	sealed := aead.Seal(nonce, nonce, []byte(payload), aad)

	footer, err := e.wrapCEK(cek, key)
	if err != nil {
		return model.EncryptedData{}, err
	}

	return model.EncryptedData{
		Data:                 base64.RawURLEncoding.EncodeToString(sealed),
		ContentEncryptionKey: footer,
	}, nil
}

// Decrypt opens the payload. All failures after the key-id comparison
// collapse into encryption.ErrDecryptionFailed so the error carries no
// oracle about what exactly went wrong.
func (e *Envelope) Decrypt(data model.EncryptedData, ad model.AdditionalData, key []byte) (model.DecryptedData, error) {
	cek, err := e.unwrapCEK(data.ContentEncryptionKey, key)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, encryption.ErrDecryptionFailed
	}

	sealed, err := base64.RawURLEncoding.DecodeString(data.Data)
	if err != nil || len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, encryption.ErrDecryptionFailed
	}

	aad, err := encodeAssertions(ad)
	if err != nil {
		return nil, encryption.ErrDecryptionFailed
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	payload, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, encryption.ErrDecryptionFailed
	}

	plaintext, err := base64.RawURLEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, encryption.ErrDecryptionFailed
	}

	return model.DecryptedData(plaintext), nil
}

// ReEncrypt unwraps the CEK with oldKey and rewraps it with newKey.
// The ciphertext is returned untouched.
func (e *Envelope) ReEncrypt(data model.EncryptedData, _ model.AdditionalData, oldKey, newKey []byte) (model.EncryptedData, error) {
	cek, err := e.unwrapCEK(data.ContentEncryptionKey, oldKey)
	if err != nil {
		return model.EncryptedData{}, err
	}

	footer, err := e.wrapCEK(cek, newKey)
	if err != nil {
		return model.EncryptedData{}, err
	}

	data.ContentEncryptionKey = footer
	return data, nil
}

// wrapCEK wraps the content key under the master key with a fresh
// nonce and serializes the footer.
func (e *Envelope) wrapCEK(cek, key []byte) (string, error) {
	if len(key) != encryption.KeySize {
		return "", fmt.Errorf("wrap content key: master key must be %d bytes, got %d", encryption.KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("init wrapping cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate wrapping nonce: %w", err)
	}

	wrapped := aead.Seal(nonce, nonce, cek, nil)

	b, err := json.Marshal(keyFooter{
		WPK: base64.RawURLEncoding.EncodeToString(wrapped),
		KID: keyID(key),
	})
	if err != nil {
		return "", fmt.Errorf("serialize wrapped content key: %w", err)
	}

	return string(b), nil
}

// unwrapCEK checks the stored key id against the supplied key and then
// unwraps the content key. In future the id could select between
// several registered keys; for now exactly one wrapping key is
// supported.
func (e *Envelope) unwrapCEK(footer string, key []byte) ([]byte, error) {
	var f keyFooter
	if err := json.Unmarshal([]byte(footer), &f); err != nil {
		return nil, encryption.ErrDecryptionFailed
	}

	kid := keyID(key)
	if subtle.ConstantTimeCompare([]byte(kid), []byte(f.KID)) != 1 {
		return nil, encryption.ErrKeyMismatch
	}

	wrapped, err := base64.RawURLEncoding.DecodeString(f.WPK)
	if err != nil || len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, encryption.ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, encryption.ErrDecryptionFailed
	}

	cek, err := aead.Open(nil, wrapped[:chacha20poly1305.NonceSizeX], wrapped[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, encryption.ErrDecryptionFailed
	}

	return cek, nil
}

// Ensure Envelope implements the Encryption interface.
var _ encryption.Encryption = (*Envelope)(nil)
