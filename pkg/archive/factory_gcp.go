//go:build gcp

package archive

import (
	"context"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.ArchiveGCSBucket})
}
