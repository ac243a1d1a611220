// Package storage provides the durable blob store contract used for the
// persisted nutrition cache and per-date menu artifacts.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates the named object does not exist in the store.
var ErrNotFound = errors.New("storage: object not found")

// ErrExists indicates a non-upsert Put hit an existing object.
var ErrExists = errors.New("storage: object already exists")

// PutOptions control how an object is written.
type PutOptions struct {
	ContentType string
	Upsert      bool
}

// Store is a minimal durable blob store.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte, opts PutOptions) error
}
