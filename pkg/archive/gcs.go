//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore archives blobs to a Google Cloud Storage bucket. Compiled only
// with the gcp build tag; default builds report the backend as disabled.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore builds the GCS client from application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)
	obj := s.object(ref)

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close: %w", err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if _, err := parseRef(ref); err != nil {
		return nil, err
	}
	r, err := s.object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("archive: blob not found: %s", ref)
		}
		return nil, fmt.Errorf("archive: gcs get %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read %s: %w", ref, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	if _, err := parseRef(ref); err != nil {
		return false, err
	}
	_, err := s.object(ref).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("archive: gcs stat %s: %w", ref, err)
	}
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	if _, err := parseRef(ref); err != nil {
		return err
	}
	if err := s.object(ref).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("archive: gcs delete %s: %w", ref, err)
	}
	return nil
}

func (s *GCSStore) object(ref string) *storage.ObjectHandle {
	digest, _ := parseRef(ref)
	return s.client.Bucket(s.bucket).Object(s.prefix + digest + ".blob")
}
