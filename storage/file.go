package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// FileFormatVersion is written in front of every encrypted document.
	FileFormatVersion uint16 = 1
	// SaltSize is the size of the PBKDF2 salt stored next to the document.
	SaltSize = 32
	// PBKDF2Iterations is the key derivation work factor.
	PBKDF2Iterations = 100000
)

// FileStore keeps every entry in one JSON document on disk. Writes replace
// the document atomically through a temporary file and rename.
type FileStore struct {
	path string
	key  []byte // nil when unencrypted

	mu      sync.Mutex
	entries map[string][]byte
	closed  bool
}

// FileOptions configures a FileStore.
type FileOptions struct {
	// Passphrase enables encryption at rest when non-empty. The salt is
	// kept in a ".salt" file beside the document.
	Passphrase string
}

// OpenFileStore opens or creates the document at path.
func OpenFileStore(path string, opts FileOptions) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}
	s := &FileStore{path: path, entries: make(map[string][]byte)}

	if opts.Passphrase != "" {
		salt, err := loadOrGenerateSalt(path + ".salt")
		if err != nil {
			return nil, err
		}
		s.key = pbkdf2.Key([]byte(opts.Passphrase), salt, PBKDF2Iterations, 32, sha256.New)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":  "OpenFileStore",
		"path":      path,
		"encrypted": s.key != nil,
		"entries":   len(s.entries),
	}).Info("File store opened")
	return s, nil
}

func loadOrGenerateSalt(saltPath string) ([]byte, error) {
	data, err := os.ReadFile(saltPath)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("storage: invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("storage: read salt: %w", err)
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("storage: generate salt: %w", err)
	}
	if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
		return nil, fmt.Errorf("storage: save salt: %w", err)
	}
	return salt, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if s.key != nil {
		if data, err = s.open(data); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("storage: decode %s: %w", s.path, err)
	}
	if s.entries == nil {
		s.entries = make(map[string][]byte)
	}
	return nil
}

// seal produces [version:2][nonce:12][ciphertext+tag].
func (s *FileStore) seal(plaintext []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("storage: generate nonce: %w", err)
	}
	out := make([]byte, 2, 2+len(nonce)+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint16(out, FileFormatVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, out[:2]), nil
}

func (s *FileStore) open(data []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(data) < 2+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: document too short", ErrDecrypt)
	}
	if v := binary.BigEndian.Uint16(data[:2]); v != FileFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	nonce := data[2 : 2+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, data[2+gcm.NonceSize():], data[:2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func (s *FileStore) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("storage: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storage: create GCM: %w", err)
	}
	return gcm, nil
}

// flushLocked writes the current entries. Caller holds s.mu.
func (s *FileStore) flushLocked() error {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("storage: encode: %w", err)
	}
	if s.key != nil {
		if data, err = s.seal(data); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("storage: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: rename %s: %w", tmp, err)
	}
	return nil
}

func (s *FileStore) mutate(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		prev[k] = v
	}
	fn()
	if err := s.flushLocked(); err != nil {
		s.entries = prev
		return err
	}
	return nil
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	v := append([]byte(nil), value...)
	return s.mutate(ctx, func() { s.entries[key] = v })
}

func (s *FileStore) GetAll(ctx context.Context) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, ok := s.entries[key]
	closed := s.closed
	s.mu.Unlock()
	if !ok && !closed {
		return ctx.Err()
	}
	return s.mutate(ctx, func() { delete(s.entries, key) })
}

func (s *FileStore) Clear(ctx context.Context) error {
	return s.mutate(ctx, func() { s.entries = make(map[string][]byte) })
}

// Close marks the store closed. Every mutation is already on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

// IsDecryptError reports whether err came from a wrong passphrase or a
// damaged encrypted document.
func IsDecryptError(err error) bool {
	return errors.Is(err, ErrDecrypt)
}
