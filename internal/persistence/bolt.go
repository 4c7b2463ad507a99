package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ErrClosed    = errors.New("persistence: store closed")
	ErrEmptyRoom = errors.New("persistence: room key is required")
)

var roomsBucket = []byte("rooms")

// BoltStore is the local cache: one bucket per room, values keyed by sequence.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt cache: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context, room string) ([][]byte, error) {
	if room == "" {
		return nil, ErrEmptyRoom
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var chunks [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roomsBucket).Bucket([]byte(room))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			// values are only valid for the life of the transaction
			chunks = append(chunks, append([]byte(nil), value...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", room, err)
	}
	return chunks, nil
}

func (s *BoltStore) Append(ctx context.Context, room string, update []byte) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(roomsBucket).CreateBucketIfNotExists([]byte(room))
		if err != nil {
			return err
		}
		return putNext(bucket, update)
	})
	if err != nil {
		return fmt.Errorf("append to room %s: %w", room, err)
	}
	return nil
}

func (s *BoltStore) Compact(ctx context.Context, room string, snapshot []byte) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(roomsBucket)
		if err := root.DeleteBucket([]byte(room)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := root.CreateBucket([]byte(room))
		if err != nil {
			return err
		}
		return putNext(bucket, snapshot)
	})
	if err != nil {
		return fmt.Errorf("compact room %s: %w", room, err)
	}
	return nil
}

// Rooms lists every cached room key.
func (s *BoltStore) Rooms() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var rooms []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEachBucket(func(name []byte) error {
			rooms = append(rooms, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func putNext(bucket *bolt.Bucket, value []byte) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, value)
}
