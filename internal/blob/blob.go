// Package blob opens the object store that receives collection backups and
// re-exports its contract for callers outside the storage tree.
package blob

import (
	"context"
	"fmt"
	"path/filepath"

	"microlab/internal/blob/core"
	"microlab/internal/config"
	"microlab/internal/infra/blob/fs"
	memorystore "microlab/internal/infra/blob/memory"
	infraS3 "microlab/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory

	// DefaultURLExpiry is used when SignedURLOptions.Expiry is zero.
	DefaultURLExpiry = core.DefaultURLExpiry
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
	ErrInvalidKey  = core.ErrInvalidKey
)

// Config selects a blob backend.
type Config struct {
	Driver Driver
	// Root is the directory used by the filesystem driver.
	Root string
	S3   S3Config
}

// ConfigFromBackup maps the backup section of the application configuration.
// A relative filesystem root is resolved against dataDir.
func ConfigFromBackup(cfg config.BackupConfig, dataDir string) Config {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(dataDir, "backups")
	} else if !filepath.IsAbs(root) && dataDir != "" {
		root = filepath.Join(dataDir, root)
	}
	return Config{
		Driver: Driver(cfg.Driver),
		Root:   root,
		S3: S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		},
	}
}

// Open constructs the store described by cfg. An empty driver selects the
// filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests exposes the S3 driver wired to an in-process fake bucket.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
