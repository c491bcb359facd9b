// Package archive keeps a copy of every persisted workspace document in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// Putter writes a single object.
type Putter interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error
}

// Archive writes workspace snapshots under workspaces/<id>/<updatedAt>.json.
type Archive struct {
	putter  Putter
	timeout time.Duration
	logger  zerolog.Logger
}

func New(putter Putter, logger zerolog.Logger) *Archive {
	return &Archive{
		putter:  putter,
		timeout: 15 * time.Second,
		logger:  logger.With().Str("component", "archive").Logger(),
	}
}

// SnapshotKey is the object key for a document persisted at updatedAt.
func SnapshotKey(workspaceID string, updatedAt time.Time) string {
	return fmt.Sprintf("workspaces/%s/%s.json", workspaceID, updatedAt.UTC().Format(time.RFC3339Nano))
}

// Put stores the snapshot synchronously.
func (a *Archive) Put(ctx context.Context, workspaceID string, updatedAt time.Time, document []byte) error {
	key := SnapshotKey(workspaceID, updatedAt)
	if err := a.putter.PutObject(ctx, key, bytes.NewReader(document), int64(len(document))); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// Snapshot stores the document in the background. Failures are logged only.
func (a *Archive) Snapshot(workspaceID string, updatedAt time.Time, document []byte) {
	if a == nil {
		return
	}
	doc := bytes.Clone(document)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.Put(ctx, workspaceID, updatedAt, doc); err != nil {
			a.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("snapshot failed")
		}
	}()
}

// MinioPutter is a Putter backed by a MinIO (or S3) bucket.
type MinioPutter struct {
	client *minio.Client
	bucket string
}

// MinioOptions configures NewMinioPutter.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioPutter connects to the endpoint and creates the bucket if missing.
func NewMinioPutter(ctx context.Context, opts MinioOptions) (*MinioPutter, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &MinioPutter{client: client, bucket: opts.Bucket}, nil
}

func (p *MinioPutter) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := p.client.PutObject(ctx, p.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}
