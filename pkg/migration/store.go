// Package migration implements the migration persistence subsystem: it
// snapshots changed files and user-installed OS/language packages to an
// external key-value store when the platform signals a live migration, and
// restores them before the sandbox admits requests after a restart.
package migration

import (
	"context"
	"errors"
)

// Fixed keys under which the two migration artifacts live in the external
// key-value store.
const (
	manifestKey = "migration-manifest"
	tarballKey  = "migration-tarball"
)

// ErrNotFound is returned by Get operations when no snapshot exists.
var ErrNotFound = errors.New("migration record not found")

// Store is the external key-value backend holding the migration manifest
// and tarball. Two implementations exist: redis and valkey, selected by the
// STORE_TYPE environment variable.
type Store interface {
	// Ping check store provider available or not
	Ping(ctx context.Context) error
	// PutManifest stores the manifest JSON under the fixed manifest key
	PutManifest(ctx context.Context, m *Manifest) error
	// GetManifest loads the manifest, or ErrNotFound when none exists
	GetManifest(ctx context.Context) (*Manifest, error)
	// PutTarball stores the gzipped tar of changed files
	PutTarball(ctx context.Context, data []byte) error
	// GetTarball loads the tarball bytes, or ErrNotFound when none exists
	GetTarball(ctx context.Context) ([]byte, error)
	// Close releases all resources held by the store (e.g. connection pools)
	Close() error
}
