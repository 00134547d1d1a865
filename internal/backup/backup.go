// Package backup produces and restores snapshots of the durable store.
// A snapshot is a gzip-compressed archive holding one JSON record list per
// collection plus a metadata file; with a password it is wrapped in an
// AES-256-CBC envelope with a PBKDF2-derived key.
package backup

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/store"
)

// Envelope layout when password-protected: [16-byte salt][16-byte IV][ciphertext].
const (
	saltSize   = 16
	ivSize     = 16
	keySize    = 32
	iterations = 150_000
)

// ErrBadPassword is returned when decryption or decompression of a protected
// archive fails. A wrong password and a corrupted archive are
// indistinguishable; both fail closed.
var ErrBadPassword = errors.New("backup: wrong password or corrupted archive")

// ErrSchemaMismatch is returned when an archive's schema version does not
// match the store's current version.
var ErrSchemaMismatch = errors.New("backup: schema version mismatch")

// Metadata describes an archive.
type Metadata struct {
	SchemaVersion int       `json:"schemaVersion"`
	Timestamp     time.Time `json:"timestamp"`
	Collections   []string  `json:"collections"`
}

// record is one key-value pair inside a collection file. Byte slices
// round-trip through JSON as base64.
type record struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// collectionPrefixes maps archive file names to store key prefixes. Locks
// and migration state are deliberately excluded: they describe a live
// process, not data worth restoring.
var collectionPrefixes = map[string]string{
	"pending":   kv.PrefixPending,
	"emergency": kv.PrefixEmergency,
	"failed":    kv.PrefixFailed,
	"conflicts": kv.PrefixConflict,
	"entities":  kv.PrefixEntity,
}

// archive is the on-disk document before compression: metadata plus one
// record list per collection.
type archive struct {
	Metadata    Metadata            `json:"metadata"`
	Collections map[string][]record `json:"collections"`
}

// Export snapshots the store to path. An empty password produces a plain
// gzip archive.
func Export(s *store.Store, path, password string) error {
	version, err := s.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	arch := archive{
		Metadata: Metadata{
			SchemaVersion: version,
			Timestamp:     time.Now().UTC(),
		},
		Collections: make(map[string][]record, len(collectionPrefixes)),
	}
	for name, prefix := range collectionPrefixes {
		var records []record
		err := s.KV().Scan([]byte(prefix), func(key, value []byte) error {
			records = append(records, record{
				Key:   append([]byte(nil), key...),
				Value: append([]byte(nil), value...),
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan collection %s: %w", name, err)
		}
		arch.Collections[name] = records
		arch.Metadata.Collections = append(arch.Metadata.Collections, name)
	}

	raw, err := json.Marshal(arch)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("compress archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress archive: %w", err)
	}

	data := buf.Bytes()
	if password != "" {
		data, err = seal(data, password)
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	total := 0
	for _, records := range arch.Collections {
		total += len(records)
	}
	slog.Info("backup exported", "path", path, "records", total,
		"schema_version", version, "encrypted", password != "")
	return nil
}

// Restore replaces the store's collections with the archive's contents.
// The archive's schema version must match the store's current version.
func Restore(s *store.Store, path, password string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if password != "" {
		data, err = open(data, password)
		if err != nil {
			return err
		}
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return ErrBadPassword
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return ErrBadPassword
	}
	if err := gz.Close(); err != nil {
		return ErrBadPassword
	}

	var arch archive
	if err := json.Unmarshal(raw, &arch); err != nil {
		return fmt.Errorf("decode archive: %w", err)
	}

	version, err := s.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if arch.Metadata.SchemaVersion != version {
		return fmt.Errorf("%w: archive v%d, store v%d",
			ErrSchemaMismatch, arch.Metadata.SchemaVersion, version)
	}

	for name, records := range arch.Collections {
		prefix, ok := collectionPrefixes[name]
		if !ok {
			return fmt.Errorf("archive holds unknown collection %q", name)
		}
		if err := restoreCollection(s.KV(), prefix, records); err != nil {
			return fmt.Errorf("restore collection %s: %w", name, err)
		}
	}
	slog.Info("backup restored", "path", path, "schema_version", version)
	return nil
}

// restoreCollection wipes the prefix and writes the archived records in one
// transaction, so a failed restore never leaves a half-replaced collection.
func restoreCollection(db kv.Store, prefix string, records []record) error {
	var stale [][]byte
	err := db.Scan([]byte(prefix), func(key, _ []byte) error {
		stale = append(stale, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	return db.Update(func(tx kv.Txn) error {
		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		for _, rec := range records {
			if err := tx.Put(rec.Key, rec.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// seal wraps plaintext in the [salt][iv][ciphertext] envelope.
func seal(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, saltSize+ivSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	return append(out, ciphertext...), nil
}

// open unwraps the envelope. Any structural or padding failure is reported
// as ErrBadPassword.
func open(data []byte, password string) ([]byte, error) {
	if len(data) < saltSize+ivSize+aes.BlockSize {
		return nil, ErrBadPassword
	}
	salt := data[:saltSize]
	iv := data[saltSize : saltSize+ivSize]
	ciphertext := data[saltSize+ivSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPassword
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, ok := pkcs7Unpad(plaintext, block.BlockSize())
	if !ok {
		return nil, ErrBadPassword
	}
	return unpadded, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
