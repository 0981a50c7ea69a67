package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/sushant-115/gojotxn/core/transaction"
)

var (
	transactionsBucket = []byte("transactions")
	metaBucket         = []byte("meta")
	settingsKey        = []byte("settings")
	sequenceKey        = []byte("next_transaction_id")
)

// Sealer encrypts stored values. The record key is passed as additional data.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(ciphertext, additionalData []byte) ([]byte, error)
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithSealer encrypts every log and the settings record at rest.
func WithSealer(s Sealer) BoltOption {
	return func(b *BoltStore) { b.sealer = s }
}

// BoltStore persists logs as JSON in a single BoltDB file. Transaction ids
// are keyed big-endian so a cursor walks them in order.
type BoltStore struct {
	db     *bolt.DB
	sealer Sealer
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(transactionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) encode(key []byte, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || s.sealer == nil {
		return data, err
	}
	return s.sealer.Seal(data, key)
}

func (s *BoltStore) decode(key, data []byte, v any) error {
	if s.sealer != nil {
		plain, err := s.sealer.Open(data, key)
		if err != nil {
			return err
		}
		data = plain
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) GetTransactionLog(_ context.Context, id uint64) (*transaction.TransactionLog, error) {
	var log transaction.TransactionLog
	err := s.db.View(func(tx *bolt.Tx) error {
		key := itob(id)
		data := tx.Bucket(transactionsBucket).Get(key)
		if data == nil {
			return fmt.Errorf("%w: %d", transaction.ErrTransactionNotFound, id)
		}
		return s.decode(key, data, &log)
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *BoltStore) SetTransactionLog(_ context.Context, log *transaction.TransactionLog) error {
	key := itob(log.TransactionID)
	data, err := s.encode(key, log)
	if err != nil {
		return fmt.Errorf("encode transaction %d: %w", log.TransactionID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(transactionsBucket).Put(key, data); err != nil {
			return err
		}
		// Keep the id sequence ahead of explicitly written ids.
		meta := tx.Bucket(metaBucket)
		if cur := meta.Get(sequenceKey); cur == nil || btoi(cur) < log.TransactionID {
			return meta.Put(sequenceKey, itob(log.TransactionID))
		}
		return nil
	})
}

func (s *BoltStore) RemoveTransactionLog(_ context.Context, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).Delete(itob(id))
	})
}

func (s *BoltStore) ListTransactionLogs(_ context.Context) ([]*transaction.TransactionLog, error) {
	var out []*transaction.TransactionLog
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).ForEach(func(k, v []byte) error {
			var log transaction.TransactionLog
			if err := s.decode(k, v, &log); err != nil {
				return fmt.Errorf("decode transaction %d: %w", btoi(k), err)
			}
			out = append(out, &log)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) NextTransactionID(_ context.Context) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if cur := meta.Get(sequenceKey); cur != nil {
			id = btoi(cur)
		}
		id++
		return meta.Put(sequenceKey, itob(id))
	})
	return id, err
}

func (s *BoltStore) GetSettings(_ context.Context) (*transaction.Settings, error) {
	var settings transaction.Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(settingsKey)
		if data == nil {
			return transaction.ErrNotInitialized
		}
		return s.decode(settingsKey, data, &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *BoltStore) SetSettings(_ context.Context, settings *transaction.Settings) error {
	data, err := s.encode(settingsKey, settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(settingsKey, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
