//go:build !gcp

package archive

import (
	"context"
	"fmt"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

func newGCSStoreFromConfig(_ context.Context, _ *config.Config) (Store, error) {
	return nil, fmt.Errorf("archive: gcs backend not compiled in (build with -tags gcp)")
}
