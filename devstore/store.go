// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package devstore implements the device settings store: a small,
// size-bounded key/value map persisted as one walletdb bucket. It models
// the nvram slot of the signing device, so every write is bounded by a
// hard capacity and Save fails with ErrStorageFull rather than truncating
// anything.
package devstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// ErrStorageFull is returned by Save when the serialized settings
	// exceed the store capacity. The persisted state is untouched when
	// this is returned.
	ErrStorageFull = errors.New("device storage full")

	// ErrCorruptValue is returned when a persisted value cannot be
	// decoded. This indicates device-storage damage.
	ErrCorruptValue = errors.New("corrupt settings value")
)

// DefaultCapacity bounds the serialized size of all settings, matching
// the nvram slot the settings occupy on the device.
const DefaultCapacity = 4096

// settingsBucket is the walletdb top-level bucket holding the settings.
var settingsBucket = []byte("device-settings")

// Store is an in-memory view of the device settings, loaded once and
// written back atomically by Save. Values are JSON encoded. The store is
// accessed from a single foreground task only; no locking is done.
type Store struct {
	db       walletdb.DB
	values   map[string]json.RawMessage
	capacity int
}

// Option customizes a Store.
type Option func(*Store)

// WithCapacity overrides the serialized-size bound.
func WithCapacity(n int) Option {
	return func(s *Store) {
		s.capacity = n
	}
}

// Open loads the settings bucket into memory, creating it if needed.
func Open(db walletdb.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:       db,
		values:   make(map[string]json.RawMessage),
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := tx.CreateTopLevelBucket(settingsBucket)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			if v == nil {
				return nil
			}
			val := make(json.RawMessage, len(v))
			copy(val, v)
			s.values[string(k)] = val

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	log.Debugf("Loaded %d settings values", len(s.values))

	return s, nil
}

// Get decodes the value stored under key into out. It returns false when
// the key is absent, leaving out untouched.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	raw, ok := s.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: key %q: %v", ErrCorruptValue,
			key, err)
	}

	return true, nil
}

// GetInt returns the integer stored under key, or def when absent.
func (s *Store) GetInt(key string, def int64) int64 {
	var v int64
	ok, err := s.Get(key, &v)
	if !ok || err != nil {
		return def
	}

	return v
}

// Raw returns the encoded value stored under key, or nil.
func (s *Store) Raw(key string) json.RawMessage {
	return s.values[key]
}

// Set stores a value under key in the in-memory view. Nothing is
// persisted until Save.
func (s *Store) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	s.values[key] = raw

	return nil
}

// SetRaw stores an already-encoded value under key.
func (s *Store) SetRaw(key string, raw json.RawMessage) {
	val := make(json.RawMessage, len(raw))
	copy(val, raw)
	s.values[key] = val
}

// RemoveKey deletes a key from the in-memory view.
func (s *Store) RemoveKey(key string) {
	delete(s.values, key)
}

// size returns the serialized footprint of the current view.
func (s *Store) size() int {
	total := 2 // bucket overhead, mirrors the on-device accounting
	for k, v := range s.values {
		total += len(k) + len(v) + 4
	}

	return total
}

// Save persists the full in-memory view in one transaction. When the
// serialized size exceeds capacity it fails with ErrStorageFull before
// touching the database, so the persisted state is exactly what the last
// successful Save wrote.
func (s *Store) Save() error {
	if sz := s.size(); sz > s.capacity {
		log.Warnf("Settings overflow: %d > %d bytes", sz, s.capacity)
		return fmt.Errorf("%w: %d > %d bytes", ErrStorageFull,
			sz, s.capacity)
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(settingsBucket)
		if bucket == nil {
			var err error
			bucket, err = tx.CreateTopLevelBucket(settingsBucket)
			if err != nil {
				return err
			}
		}

		// Drop keys removed since the last save.
		var stale [][]byte
		err := bucket.ForEach(func(k, _ []byte) error {
			if _, ok := s.values[string(k)]; !ok {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}

			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		for k, v := range s.values {
			if err := bucket.Put([]byte(k), v); err != nil {
				return err
			}
		}

		return nil
	})
}
