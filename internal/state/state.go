// Package state persists per-mailing dispatch progress in BoltDB.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

var (
	bucketHandled = []byte("handled")
	bucketLocks   = []byte("locks")
)

// Handled holds the recipients already processed for one mailing, per source
type Handled map[string]map[string]bool

// Has reports whether id of source was handled
func (h Handled) Has(source, id string) bool {
	return h[source][id]
}

// Count returns the number of handled recipients over all sources
func (h Handled) Count() int {
	n := 0
	for _, ids := range h {
		n += len(ids)
	}
	return n
}

// Store keeps handled sets under handled/<mailing>/<source>/<id>.
// The value of each id is the unix time it was marked.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the state database
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHandled, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying database for components sharing the file, such as the bolt lock
func (s *Store) DB() *bolt.DB {
	return s.db
}

// LocksBucket is the bucket reserved for lock records
func LocksBucket() []byte {
	return bucketLocks
}

// Handled returns the handled set of a mailing. Unknown mailings yield an empty set.
func (s *Store) Handled(mailing int64) (Handled, error) {
	out := make(Handled)
	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketHandled).Bucket(mailingKey(mailing))
		if mb == nil {
			return nil
		}
		return mb.ForEachBucket(func(source []byte) error {
			ids := make(map[string]bool)
			err := mb.Bucket(source).ForEach(func(k, _ []byte) error {
				ids[string(k)] = true
				return nil
			})
			out[string(source)] = ids
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read handled set of mailing %d: %w", mailing, err)
	}
	return out, nil
}

// MarkHandled adds ids of source to the handled set of a mailing
func (s *Store) MarkHandled(mailing int64, source string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	now := make([]byte, 8)
	binary.BigEndian.PutUint64(now, uint64(time.Now().Unix()))

	err := s.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.Bucket(bucketHandled).CreateBucketIfNotExists(mailingKey(mailing))
		if err != nil {
			return err
		}
		sb, err := mb.CreateBucketIfNotExists([]byte(source))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := sb.Put([]byte(id), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark recipients handled for mailing %d: %w", mailing, err)
	}
	return nil
}

// Clear drops all progress of a mailing
func (s *Store) Clear(mailing int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketHandled).DeleteBucket(mailingKey(mailing))
		if errors.Is(err, bolterrors.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear state of mailing %d: %w", mailing, err)
	}
	return nil
}

// Mailings lists the mailings with stored progress
func (s *Store) Mailings() ([]int64, error) {
	var out []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHandled).ForEachBucket(func(k []byte) error {
			if len(k) == 8 {
				out = append(out, int64(binary.BigEndian.Uint64(k)))
			}
			return nil
		})
	})
	return out, err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func mailingKey(uid int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(uid))
	return k
}
