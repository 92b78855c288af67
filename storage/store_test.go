package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/courier/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) interfaces.DurableStore
}

func backends(t *testing.T) []backend {
	bs := []backend{
		{"memory", func(t *testing.T) interfaces.DurableStore { return NewMemoryStore() }},
		{"file", func(t *testing.T) interfaces.DurableStore {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "outbox.json"), FileOptions{})
			require.NoError(t, err)
			return s
		}},
		{"file-encrypted", func(t *testing.T) interfaces.DurableStore {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "outbox.bin"), FileOptions{Passphrase: "hunter2"})
			require.NoError(t, err)
			return s
		}},
		{"pebble", func(t *testing.T) interfaces.DurableStore {
			s, err := OpenPebbleStore(filepath.Join(t.TempDir(), "db"), "")
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) interfaces.DurableStore {
			s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "outbox.db"))
			require.NoError(t, err)
			return s
		}},
	}
	if addr := os.Getenv("COURIER_TEST_REDIS_ADDR"); addr != "" {
		bs = append(bs, backend{"redis", func(t *testing.T) interfaces.DurableStore {
			s, err := OpenRedisStore(context.Background(), RedisOptions{Addr: addr, Namespace: "courier:test:" + t.Name()})
			require.NoError(t, err)
			require.NoError(t, s.Clear(context.Background()))
			return s
		}})
	}
	return bs
}

func TestDurableStoreConformance(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			all, err := s.GetAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)

			require.NoError(t, s.Put(ctx, "a", []byte("one")))
			require.NoError(t, s.Put(ctx, "b", []byte("two")))
			require.NoError(t, s.Put(ctx, "a", []byte("uno")))

			all, err = s.GetAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("uno"), "b": []byte("two")}, all)

			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.Delete(ctx, "missing"))
			all, err = s.GetAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"b": []byte("two")}, all)

			require.NoError(t, s.Clear(ctx))
			all, err = s.GetAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	v := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", v))
	v[0] = 'x'

	all, _ := s.GetAll(ctx)
	assert.Equal(t, "abc", string(all["k"]))
	all["k"][0] = 'y'
	again, _ := s.GetAll(ctx)
	assert.Equal(t, "abc", string(again["k"]))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(ctx, "k", v), ErrClosed)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.json")

	s, err := OpenFileStore(path, FileOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "m1", []byte(`{"x":1}`)))
	require.NoError(t, s.Close())

	reopened, err := OpenFileStore(path, FileOptions{})
	require.NoError(t, err)
	all, err := reopened.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(all["m1"]))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreEncryption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.bin")

	s, err := OpenFileStore(path, FileOptions{Passphrase: "correct horse"})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "m1", []byte("secret payload")))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "m1")
	assert.Equal(t, []byte{0, 1}, raw[:2])

	info, err := os.Stat(path + ".salt")
	require.NoError(t, err)
	assert.EqualValues(t, SaltSize, info.Size())

	reopened, err := OpenFileStore(path, FileOptions{Passphrase: "correct horse"})
	require.NoError(t, err)
	all, err := reopened.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(all["m1"]))

	_, err = OpenFileStore(path, FileOptions{Passphrase: "wrong"})
	require.Error(t, err)
	assert.True(t, IsDecryptError(err))
}

func TestFileStoreRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.bin")
	s, err := OpenFileStore(path, FileOptions{Passphrase: "pw"})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[1] = 9
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = OpenFileStore(path, FileOptions{Passphrase: "pw"})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestPebbleStorePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	a, err := OpenPebbleStore(filepath.Join(t.TempDir(), "db"), "a:")
	require.NoError(t, err)
	defer a.Close()
	b := NewPebbleStore(a.db, "b:")
	defer b.Close()

	require.NoError(t, a.Put(ctx, "k", []byte("from-a")))
	require.NoError(t, b.Put(ctx, "k", []byte("from-b")))
	require.NoError(t, b.Clear(ctx))

	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k": []byte("from-a")}, all)
}
