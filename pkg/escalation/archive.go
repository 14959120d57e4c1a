package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"muster/pkg/config"
	"muster/pkg/protocol"
)

// ObjectStore is the subset of *minio.Client the archive sink uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveSink uploads the full escalation bundle (attempts and result
// trail) as JSON to an S3-compatible bucket.
type ArchiveSink struct {
	client ObjectStore
	bucket string
	prefix string
}

// NewArchiveSink connects to the bucket described by cfg.
func NewArchiveSink(cfg config.ArchiveConfig) (*ArchiveSink, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, &protocol.ValidationError{Field: "escalation.archive.endpoint", Reason: "required"}
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client %s: %w", endpoint, err)
	}
	return NewArchiveSinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewArchiveSinkWithClient wraps an existing object store client.
func NewArchiveSinkWithClient(client ObjectStore, bucket, prefix string) *ArchiveSink {
	if bucket == "" {
		bucket = "muster-escalations"
	}
	return &ArchiveSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Name implements Sink.
func (a *ArchiveSink) Name() string { return "archive" }

// ObjectName returns the key an escalation is stored under.
func (a *ArchiveSink) ObjectName(e protocol.Escalation) string {
	return path.Join(a.prefix, e.TaskID, e.ID+".json")
}

// Escalate implements Sink.
func (a *ArchiveSink) Escalate(ctx context.Context, e protocol.Escalation) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode escalation %s: %w", e.ID, err)
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	_, err = a.client.PutObject(ctx, a.bucket, a.ObjectName(e), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload escalation %s: %w", e.ID, err)
	}
	return nil
}
