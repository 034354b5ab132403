package export

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/config"
)

// ObjectStore receives uploaded artifacts.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}

// LocalStore keeps objects under a directory. It stands in for a bucket in
// tests and air-gapped runs.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// PutObject writes data to root/key.
func (s *LocalStore) PutObject(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return eris.New("export: object key is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return eris.Wrapf(err, "export: mkdir for %s", key)
	}
	return eris.Wrapf(os.WriteFile(full, data, 0o644), "export: write object %s", key)
}

// ListPrefix returns the sorted keys under prefix.
func (s *LocalStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(filepath.Join(s.root, filepath.FromSlash(prefix)), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "export: list %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

// MinIOStore uploads to an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinIOStore builds a client from the object_store config section. The
// endpoint may be a bare host or a URL; an https scheme forces TLS.
func NewMinIOStore(cfg config.ObjectStoreConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, eris.New("export: object_store.endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, eris.New("export: object_store.bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, eris.New("export: object_store credentials are required")
	}

	host := cfg.Endpoint
	secure := cfg.Secure
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		host = u.Host
		secure = u.Scheme == "https"
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "export: create minio client")
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return eris.Wrapf(err, "export: check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	return eris.Wrapf(err, "export: make bucket %s", s.bucket)
}

// PutObject uploads data under key.
func (s *MinIOStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return eris.Wrapf(err, "export: put %s/%s", s.bucket, key)
}

// ListPrefix lists object keys under prefix.
func (s *MinIOStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, eris.Wrapf(obj.Err, "export: list %s/%s", s.bucket, prefix)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func objectKey(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
