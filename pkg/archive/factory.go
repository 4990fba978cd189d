package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

// Backend names accepted by VERITAS_ARCHIVE_STORAGE.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// NewStoreFromConfig selects the archive backend from configuration. The
// filesystem backend roots its blobs under <log root>/archive.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ArchiveStorage {
	case "", BackendFS:
		return NewFileStore(filepath.Join(cfg.LogRoot, "archive"))
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   cfg.ArchiveS3Prefix,
		})
	case BackendGCS:
		return newGCSStoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.ArchiveStorage)
	}
}
