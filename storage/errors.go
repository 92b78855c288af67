package storage

import "errors"

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store closed")
	// ErrDecrypt is returned when an encrypted file cannot be opened with
	// the configured passphrase.
	ErrDecrypt = errors.New("storage: decryption failed")
	// ErrUnsupportedVersion is returned for encrypted files written by an
	// unknown format version.
	ErrUnsupportedVersion = errors.New("storage: unsupported file version")
)
