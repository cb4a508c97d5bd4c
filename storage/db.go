package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("storage: key not found")

const maxPendingLoadWrites = 16

type Config struct {
	Path string
	// InMemory keeps everything in RAM; Path is ignored.
	InMemory bool
}

type Storage interface {
	Close() error

	Exist(key []byte) (bool, error)
	GetKey(key []byte) ([]byte, error)
	GetByPrefix(prefix []byte) ([]*KeyValueItem, error)
	CountKeysByPrefix(prefix []byte) (int64, error)

	Set(key, value []byte) error
	Delete(key []byte) error
	BatchWrite(updates map[string][]byte) error
	// Move rewrites the value of src under dest, optionally replacing it, in one transaction.
	Move(src, dest, value []byte) error

	Vacuum() error
	// Backup streams every version newer than since to w and returns the version to pass next time.
	Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error)
	Load(ctx context.Context, r io.Reader) error
	DbPath() string
}

type KeyValueItem struct {
	Key   []byte
	Value []byte
}

type BadgerStorage struct {
	config *Config
	db     *badger.DB
}

func NewWithPath(path string) (Storage, error) {
	return New(&Config{Path: path})
}

func New(c *Config) (Storage, error) {
	opts := badger.DefaultOptions(c.Path)
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(!c.InMemory).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", c.Path, err)
	}

	return &BadgerStorage{
		config: c,
		db:     db,
	}, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStorage) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// BatchWrite splits into several transactions when one grows too big, so it is not atomic
// for large batches.
func (s *BadgerStorage) BatchWrite(updates map[string][]byte) error {
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for k, v := range updates {
		err := txn.Set([]byte(k), v)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err = txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			err = txn.Set([]byte(k), v)
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *BadgerStorage) GetByPrefix(prefix []byte) ([]*KeyValueItem, error) {
	var result []*KeyValueItem

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 30
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result = append(result, &KeyValueItem{Key: item.KeyCopy(nil), Value: v})
		}
		return nil
	})
	return result, err
}

// CountKeysByPrefix only walks the LSM tree, values are never loaded.
func (s *BadgerStorage) CountKeysByPrefix(prefix []byte) (int64, error) {
	if len(prefix) == 0 {
		return 0, fmt.Errorf("storage: cannot count an empty prefix")
	}

	total := int64(0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			total++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *BadgerStorage) Exist(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStorage) GetKey(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *BadgerStorage) Move(src, dest, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(src)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if value == nil {
			if value, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}

		if err := txn.Delete(src); err != nil {
			return err
		}
		return txn.Set(dest, value)
	})
}

func (s *BadgerStorage) Vacuum() error {
	err := s.db.RunValueLogGC(0.7)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func (s *BadgerStorage) Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.db.Backup(w, since)
}

func (s *BadgerStorage) Load(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Load(r, maxPendingLoadWrites)
}

func (s *BadgerStorage) DbPath() string {
	return s.config.Path
}

// Destroy closes the database and wipes its data directory.
func Destroy(s *BadgerStorage) error {
	if err := s.Close(); err != nil {
		return err
	}
	if s.config.InMemory {
		return nil
	}
	return os.RemoveAll(s.config.Path)
}
