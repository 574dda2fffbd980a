// Package scylla stores upload records in a ScyllaDB or Cassandra
// cluster, for deployments where several seam instances share one record
// store.
package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/uhthomas/seam/pkg/seam"
)

const (
	keyspace = "seam"
	table    = "seam.uploads"
)

// Applied on connect so a fresh cluster works out of the box. The
// keyspace itself must already exist.
const schema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id text PRIMARY KEY,
	name text,
	size bigint,
	checksum text,
	parts int,
	timestamp timestamp
)`

type Store struct {
	session                  *gocql.Session
	uploadQuery, createQuery QueryFunc
}

// New connects to the cluster and prepares the statements. Records are
// inserted with a TTL of lifetime so they expire alongside their
// artifacts; zero keeps them forever.
func New(lifetime time.Duration, addr ...string) (*Store, error) {
	c := gocql.NewCluster(addr...)
	c.Keyspace = keyspace
	s, err := c.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connecting to cluster: %w", err)
	}
	if err := s.Query(schema).Exec(); err != nil {
		s.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{s, NewUploadQuery(s), NewCreateQuery(s, lifetime)}, nil
}

func (s *Store) Upload(id string) (*seam.Upload, error) {
	var u seam.Upload
	if err := s.uploadQuery().Bind(id).GetRelease(&u); err != nil {
		if err == gocql.ErrNotFound {
			return nil, seam.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) Create(u *seam.Upload) error {
	return s.createQuery().BindStruct(u).ExecRelease()
}

func (s *Store) Close() error {
	s.session.Close()
	return nil
}
