package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
)

const (
	// dbTimeout bounds how long Open waits for the file lock held by another agent.
	dbTimeout = time.Second
)

var itemsBucket = []byte("items")

// Bolt is a Store persisted in a single bolt database file.
type Bolt struct {
	db   *bolt.DB
	path string
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), constants.DirectoryPerm); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %w", ErrStorage, filepath.Dir(path), err)
	}

	db, err := bolt.Open(path, constants.FilePerm, &bolt.Options{Timeout: dbTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(itemsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %w", ErrStorage, err)
	}

	return &Bolt{db: db, path: path}, nil
}

func (b *Bolt) Path() string { return b.path }

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) GetItem(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(itemsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt values are only valid for the life of the transaction.
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get %s: %w", ErrStorage, key, err)
	}
	return out, nil
}

// SetItem writes all items in one bolt transaction.
func (b *Bolt) SetItem(ctx context.Context, items map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(itemsBucket)
		for k, v := range items {
			if err := bucket.Put([]byte(k), v); err != nil {
				return fmt.Errorf("put %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (b *Bolt) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStorage, key, err)
	}
	return nil
}

func (b *Bolt) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(itemsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(itemsBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: clear: %w", ErrStorage, err)
	}
	return nil
}
