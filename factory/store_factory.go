package factory

import (
	"context"
	"fmt"

	"github.com/opd-ai/courier/config"
	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/storage"
	"github.com/sirupsen/logrus"
)

// OpenStore opens the DurableStore selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (interfaces.DurableStore, error) {
	logrus.WithFields(logrus.Fields{
		"function": "OpenStore",
		"backend":  cfg.Backend,
		"path":     cfg.Path,
	}).Info("Opening outbox store")

	var (
		store interfaces.DurableStore
		err   error
	)
	switch cfg.Backend {
	case "", config.BackendMemory:
		store = storage.NewMemoryStore()
	case config.BackendFile:
		store, err = openFile(cfg)
	case config.BackendPebble:
		store, err = openPebble(cfg)
	case config.BackendSQLite:
		store, err = openSQLite(cfg)
	case config.BackendRedis:
		store, err = openRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OpenStore",
			"backend":  cfg.Backend,
			"error":    err.Error(),
		}).Error("Failed to open outbox store")
		return nil, err
	}
	return store, nil
}

func openFile(cfg config.StorageConfig) (interfaces.DurableStore, error) {
	s, err := storage.OpenFileStore(cfg.Path, storage.FileOptions{Passphrase: cfg.Passphrase})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openPebble(cfg config.StorageConfig) (interfaces.DurableStore, error) {
	s, err := storage.OpenPebbleStore(cfg.Path, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openSQLite(cfg config.StorageConfig) (interfaces.DurableStore, error) {
	s, err := storage.OpenSQLiteStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openRedis(ctx context.Context, cfg config.StorageConfig) (interfaces.DurableStore, error) {
	s, err := storage.OpenRedisStore(ctx, storage.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Namespace: cfg.Redis.Namespace,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
