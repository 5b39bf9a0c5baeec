// Package prefs provides the typed key/value store backing the update
// agent's durable state. Reads never fail: a missing, unreadable, or
// wrongly-typed value reports absent and the caller falls back to its
// documented default.
package prefs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/skylift-os/update-agent/internal/logging"
)

var log = logging.L("prefs")

// Store is a typed key/value store for small durable scalars. Implementations
// must tolerate concurrent-process crashes: a write either lands or it
// doesn't, and a torn value reads back as absent.
type Store interface {
	GetInt64(key string) (int64, bool)
	SetInt64(key string, value int64) error
	GetString(key string) (string, bool)
	SetString(key string, value string) error
	GetBool(key string) (bool, bool)
	SetBool(key string, value bool) error
	Exists(key string) bool
	Delete(key string) error
}

const bucketName = "prefs"

// BoltStore persists preferences in a single-bucket bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (creating if needed) a bbolt-backed store at path. The parent
// directory is created with owner-only permissions.
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create prefs dir: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open prefs database at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create prefs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) get(key string) ([]byte, bool) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		log.Warn("prefs read failed, treating as absent", "key", key, "error", err)
		return nil, false
	}
	return out, out != nil
}

func (s *BoltStore) put(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), value)
	})
}

func (s *BoltStore) GetInt64(key string) (int64, bool) {
	raw, ok := s.get(key)
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(raw)), true
}

func (s *BoltStore) SetInt64(key string, value int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	return s.put(key, buf[:])
}

func (s *BoltStore) GetString(key string) (string, bool) {
	raw, ok := s.get(key)
	if !ok {
		return "", false
	}
	return string(raw), true
}

func (s *BoltStore) SetString(key, value string) error {
	return s.put(key, []byte(value))
}

func (s *BoltStore) GetBool(key string) (bool, bool) {
	raw, ok := s.get(key)
	if !ok || len(raw) != 1 || (raw[0] != 0 && raw[0] != 1) {
		return false, false
	}
	return raw[0] == 1, true
}

func (s *BoltStore) SetBool(key string, value bool) error {
	b := byte(0)
	if value {
		b = 1
	}
	return s.put(key, []byte{b})
}

func (s *BoltStore) Exists(key string) bool {
	_, ok := s.get(key)
	return ok
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}
