package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"cart-sync/internal/models"

	"github.com/boltdb/bolt"
)

// SchemaVersion is the current on-disk layout version
const SchemaVersion = 1

var (
	itemsBucket        = []byte("offline_cart_items")
	productIndexBucket = []byte("offline_cart_product_idx")
	kvBucket           = []byte("kv")
	metaBucket         = []byte("meta")
	schemaVersionKey   = []byte("schema_version")
)

var (
	// ErrUnavailable is returned when no persistent local storage can be opened
	ErrUnavailable = errors.New("local storage unavailable")
	// ErrNotFound is returned when a requested offline item does not exist
	ErrNotFound = errors.New("offline item not found")
)

// migrations[i] upgrades the schema from version i to i+1
var migrations = []func(tx *bolt.Tx) error{
	func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, productIndexBucket, kvBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	},
}

// Store is the local durable store: offline cart items with a product id index,
// plus a flat key/value area for session identifiers and auth cache.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path and brings the schema up to date.
// Reopening an existing file is a no-op apart from the version check.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no storage path configured", ErrUnavailable)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := db.Update(migrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema migration failed: %v", ErrUnavailable, err)
	}

	return &Store{db: db}, nil
}

func migrate(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}

	version := 0
	if raw := meta.Get(schemaVersionKey); raw != nil {
		version = int(binary.BigEndian.Uint64(raw))
	}
	if version > SchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", version, SchemaVersion)
	}

	for ; version < SchemaVersion; version++ {
		if err := migrations[version](tx); err != nil {
			return fmt.Errorf("migration to version %d: %w", version+1, err)
		}
	}

	return meta.Put(schemaVersionKey, itob(uint64(version)))
}

// Close releases the database file lock
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the persisted schema version
func (s *Store) Version() (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(schemaVersionKey)
		if raw == nil {
			return errors.New("schema version missing")
		}
		version = int(binary.BigEndian.Uint64(raw))
		return nil
	})
	return version, err
}

// GetAll returns every offline item in insertion order
func (s *Store) GetAll(ctx context.Context) ([]models.OfflineCartItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := []models.OfflineCartItem{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var item models.OfflineCartItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to decode offline item %s: %w", k, err)
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

// Get retrieves a single offline item by id
func (s *Store) Get(ctx context.Context, id string) (*models.OfflineCartItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var item models.OfflineCartItem
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(itemsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetByProductID returns the offline item for a product, or nil when there is none
func (s *Store) GetByProductID(ctx context.Context, productID int64) (*models.OfflineCartItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var item *models.OfflineCartItem
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(productIndexBucket).Get(itob(uint64(productID)))
		if id == nil {
			return nil
		}
		v := tx.Bucket(itemsBucket).Get(id)
		if v == nil {
			// dangling index entry, treated as absent
			return nil
		}
		item = &models.OfflineCartItem{}
		return json.Unmarshal(v, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Put inserts or replaces an item and keeps the product index in step.
// A zero Seq is assigned the next insertion sequence.
func (s *Store) Put(ctx context.Context, item *models.OfflineCartItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.ID == "" {
		return errors.New("offline item id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(itemsBucket)

		stored := *item
		if stored.Seq == 0 {
			seq, err := items.NextSequence()
			if err != nil {
				return err
			}
			stored.Seq = seq
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := items.Put([]byte(stored.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(productIndexBucket).Put(itob(uint64(stored.ProductID)), []byte(stored.ID)); err != nil {
			return err
		}

		item.Seq = stored.Seq
		return nil
	})
}

// Delete removes an item; deleting a missing id is not an error
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(itemsBucket)
		v := items.Get([]byte(id))
		if v == nil {
			return nil
		}

		var item models.OfflineCartItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}

		idx := tx.Bucket(productIndexBucket)
		key := itob(uint64(item.ProductID))
		if string(idx.Get(key)) == id {
			if err := idx.Delete(key); err != nil {
				return err
			}
		}
		return items.Delete([]byte(id))
	})
}

// Clear removes every offline item
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, productIndexBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
