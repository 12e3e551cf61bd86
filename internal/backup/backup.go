// Package backup keeps a copy of a version before it is deleted. Object
// storage is used when configured; otherwise copies land on local disk.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cowrite/api/internal/config"
	"cowrite/api/internal/store"
)

type Store interface {
	SaveVersion(ctx context.Context, v store.Version) (string, error)
}

type snapshot struct {
	store.Version
	BackedUpAt time.Time `json:"backedUpAt"`
}

func objectKey(v store.Version, at time.Time) string {
	return fmt.Sprintf("versions/%s/%s-%s.json", v.ProjectID, v.ID, at.UTC().Format("20060102T150405Z"))
}

func encode(v store.Version, at time.Time) ([]byte, error) {
	return json.MarshalIndent(snapshot{Version: v, BackedUpAt: at.UTC()}, "", "  ")
}

type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore connects to the configured endpoint and makes sure the
// bucket exists.
func NewObjectStore(ctx context.Context, cfg config.Config) (*ObjectStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.MinioBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.MinioBucket, err)
		}
		slog.InfoContext(ctx, "created backup bucket", "bucket", cfg.MinioBucket)
	}
	return &ObjectStore{client: client, bucket: cfg.MinioBucket}, nil
}

func (s *ObjectStore) SaveVersion(ctx context.Context, v store.Version) (string, error) {
	now := time.Now()
	body, err := encode(v, now)
	if err != nil {
		return "", err
	}
	key := objectKey(v, now)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"project-id": v.ProjectID,
			"version-id": v.ID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

type DirStore struct {
	root string
	now  func() time.Time
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root, now: time.Now}
}

func (s *DirStore) SaveVersion(_ context.Context, v store.Version) (string, error) {
	now := s.now()
	body, err := encode(v, now)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(objectKey(v, now)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

// New picks object storage when an endpoint is configured and reachable,
// falling back to BackupDir.
func New(ctx context.Context, cfg config.Config) Store {
	if cfg.MinioEndpoint != "" {
		obj, err := NewObjectStore(ctx, cfg)
		if err == nil {
			return obj
		}
		slog.WarnContext(ctx, "object storage unavailable, backing up to disk", "dir", cfg.BackupDir, "error", err)
	}
	return NewDirStore(cfg.BackupDir)
}
