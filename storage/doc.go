// Package storage provides DurableStore backends for the offline outbox.
//
// Every backend stores opaque byte values under message client ids and
// implements interfaces.DurableStore:
//
//   - MemoryStore keeps entries in a map. It is the default for tests and
//     for clients that do not need to survive a restart.
//   - FileStore keeps all entries in a single JSON document written
//     atomically through a temporary file. An optional passphrase encrypts
//     the document at rest with AES-256-GCM under a PBKDF2-derived key.
//   - PebbleStore keeps entries in a Pebble LSM database under a key prefix.
//   - SQLiteStore keeps entries in a single SQLite table.
//   - RedisStore keeps entries in one Redis hash per namespace.
//
// All backends are safe for concurrent use. Deleting a missing key is not
// an error on any backend.
package storage
