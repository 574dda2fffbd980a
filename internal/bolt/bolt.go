// Package bolt stores upload records in an embedded bolt database. It is
// the default store: no external service, one file next to the staging
// root.
package bolt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/uhthomas/seam/pkg/seam"
)

var (
	uploadsBucket = []byte("uploads")
	ttlBucket     = []byte("ttl")
)

type Store struct {
	db       *bolt.DB
	lifetime time.Duration
}

// New opens (creating if needed) the database at path. Records are kept
// for lifetime before Cleanup may drop them; zero keeps them forever.
func New(path string, lifetime time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{uploadsBucket, ttlBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db, lifetime: lifetime}, nil
}

func (s *Store) Upload(id string) (*seam.Upload, error) {
	var u seam.Upload
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(uploadsBucket).Get([]byte(id))
		if v == nil {
			return seam.ErrNotFound
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) Create(u *seam.Upload) error {
	v, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(uploadsBucket).Put([]byte(u.ID), v); err != nil {
			return err
		}
		if s.lifetime <= 0 {
			return nil
		}
		return tx.Bucket(ttlBucket).Put(ttlKey(u.Timestamp.Add(s.lifetime), u.ID), []byte(u.ID))
	})
}

// Cleanup drops every record whose lifetime ran out before now. The ttl
// bucket is ordered by expiry, so the cursor stops at the first live key.
func (s *Store) Cleanup(now time.Time) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(now.Unix()))

	return s.db.Update(func(tx *bolt.Tx) error {
		uploads := tx.Bucket(uploadsBucket)
		c := tx.Bucket(ttlBucket).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:8], b[:]) <= 0; k, v = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			if err := uploads.Delete(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error { return s.db.Close() }

// ttlKey orders entries by expiry; the id suffix keeps keys unique when
// expiries collide.
func ttlKey(expiry time.Time, id string) []byte {
	k := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(k[:8], uint64(expiry.Unix()))
	copy(k[8:], id)
	return k
}
