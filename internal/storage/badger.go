package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/dotcommander/stateguard/internal/models"
)

// BadgerBackend stores key-value pairs in an embedded BadgerDB. It is the
// low-latency alternative to SQLite for session records and backup lists.
type BadgerBackend struct {
	db *badger.DB
}

// BadgerConfig holds configuration for a BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. If nil, it is disabled.
	Logger *slog.Logger
}

// OpenBadger opens a BadgerDB-backed store.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger backend: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Name() string { return "badger" }

func (b *BadgerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrKeyNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Backend: "badger", Key: key, Op: "get", Err: err}
	}
	return value, nil
}

func (b *BadgerBackend) Set(ctx context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &models.StorageError{Backend: "badger", Key: key, Op: "set", Err: err}
	}
	return nil
}

func (b *BadgerBackend) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &models.StorageError{Backend: "badger", Key: key, Op: "delete", Err: err}
	}
	return nil
}

func (b *BadgerBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, &models.StorageError{Backend: "badger", Key: prefix, Op: "keys", Err: err}
	}
	return keys, nil
}

func (b *BadgerBackend) Close() error { return b.db.Close() }

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
