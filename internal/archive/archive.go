// Package archive uploads release manifests to S3-compatible object storage
// once a commit has fully reached the live environment.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

// Manifest describes one commit as it went live.
type Manifest struct {
	CommitID    int64                   `json:"commitId"`
	Description string                  `json:"description"`
	ExternalID  string                  `json:"externalId,omitempty"`
	Environment string                  `json:"environment"`
	DeployedBy  string                  `json:"deployedBy"`
	DeployedOn  time.Time               `json:"deployedOn"`
	Items       []store.CommitItem      `json:"items"`
	PublishLog  []store.PublishLogEntry `json:"publishLog"`
}

// Key is the object name of the manifest.
func (m Manifest) Key() string {
	return fmt.Sprintf("releases/commit-%d/%s.json", m.CommitID, m.DeployedOn.UTC().Format("20060102T150405.000Z"))
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectStore is the subset of *minio.Client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Minio struct {
	client objectStore
	bucket string

	mu          sync.Mutex
	bucketReady bool
}

func NewMinio(cfg Config) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newMinio(client, cfg.Bucket), nil
}

func newMinio(client objectStore, bucket string) *Minio {
	if bucket == "" {
		bucket = "wiser-releases"
	}
	return &Minio{client: client, bucket: bucket}
}

// ensureBucket creates the bucket on first use. Failures are retried on the
// next upload.
func (m *Minio) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketReady {
		return nil
	}

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", m.bucket, err)
		}
	}
	m.bucketReady = true
	return nil
}

// ArchiveRelease uploads the manifest as JSON.
func (m *Minio) ArchiveRelease(ctx context.Context, manifest Manifest) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	content, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, manifest.Key(), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload manifest %s: %w", manifest.Key(), err)
	}
	return nil
}
