package seam

import (
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when no record exists for an id.
var ErrNotFound = errors.New("seam: upload not found")

// Store represents a record store for finished uploads.
type Store interface {
	Upload(id string) (*Upload, error)
	Create(u *Upload) error
}

// Cleaner is implemented by stores that can drop records past their
// lifetime. The reaper calls it opportunistically.
type Cleaner interface {
	Cleanup(before time.Time) error
}
