// Package model defines the core data types used throughout chainsync.
// A Record is the atomic unit of synchronized state; records link into
// per-(host, tag) chains via parent pointers.
package model

import (
	"time"

	"github.com/google/uuid"
)

// DecryptedData is the serialized domain payload of a record before
// encryption (or after decryption). It only ever exists in memory.
type DecryptedData []byte

// EncryptedData is the at-rest and on-wire form of a record payload.
type EncryptedData struct {
	// Data is the base64 (URL-safe, unpadded) encoded ciphertext.
	Data string `msgpack:"data" json:"data"`

	// ContentEncryptionKey is the wrapped-key footer: a JSON object
	// holding the wrapped per-record content key and the id of the
	// master key that wrapped it. Stored alongside the ciphertext,
	// never inside it.
	ContentEncryptionKey string `msgpack:"cek" json:"cek"`
}

// AdditionalData is the identity quadruple bound into the authenticated
// encryption of a record payload. It is not persisted; both sides
// recompute it from the record fields. Changing the encoding of this
// struct breaks decryption of all previously written records, so any
// change must be carried by a new record Version.
type AdditionalData struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Tag     string `json:"tag"`
	Host    string `json:"host"`
}

// Record is a chain entry with its payload in decrypted form.
type Record struct {
	// ID is globally unique, assigned at creation, never reused.
	ID string

	// Host identifies the device that created the record.
	Host string

	// Parent is the ID of the previous record in the same (host, tag)
	// chain. Empty marks the chain head (oldest record).
	Parent string

	// Timestamp is the creation time in Unix nanoseconds. Used for
	// ordering and sync cursors only; parent links are canonical for
	// chain integrity.
	Timestamp int64

	// Version tags the payload encoding so future formats can coexist.
	Version string

	// Tag discriminates the logical data stream ("kv", "history", ...).
	// A host maintains one independent chain per tag.
	Tag string

	Data DecryptedData
}

// EncryptedRecord is a chain entry with its payload in encrypted form.
// This is the only form that is persisted or sent to a relay.
type EncryptedRecord struct {
	ID        string        `msgpack:"id" json:"id"`
	Host      string        `msgpack:"host" json:"host"`
	Parent    string        `msgpack:"parent,omitempty" json:"parent,omitempty"`
	Timestamp int64         `msgpack:"timestamp" json:"timestamp"`
	Version   string        `msgpack:"version" json:"version"`
	Tag       string        `msgpack:"tag" json:"tag"`
	Data      EncryptedData `msgpack:"data" json:"data"`
}

// NewRecord builds a record with a fresh id and the current time.
// parent must be the id of the current chain tail, or empty if the
// chain is empty.
func NewRecord(host, version, tag, parent string, data DecryptedData) Record {
	return Record{
		ID:        uuid.NewString(),
		Host:      host,
		Parent:    parent,
		Timestamp: time.Now().UnixNano(),
		Version:   version,
		Tag:       tag,
		Data:      data,
	}
}

// AdditionalData returns the identity quadruple of the record.
func (r Record) AdditionalData() AdditionalData {
	return AdditionalData{ID: r.ID, Version: r.Version, Tag: r.Tag, Host: r.Host}
}

// AdditionalData returns the identity quadruple of the record.
func (r EncryptedRecord) AdditionalData() AdditionalData {
	return AdditionalData{ID: r.ID, Version: r.Version, Tag: r.Tag, Host: r.Host}
}
