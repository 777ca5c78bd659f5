// Package archive stores run reports in S3-compatible object storage.
// When no bucket is configured the Noop archiver is used and reports stay in
// the local run history only.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/deltasync/internal/config"
	"github.com/hyperengineering/deltasync/internal/types"
)

// ErrNotConfigured is returned when archive storage is not configured.
var ErrNotConfigured = errors.New("archive storage not configured")

// Archiver stores run reports and hands out download links.
type Archiver interface {
	// Archive uploads the JSON report of a finished run.
	Archive(ctx context.Context, summary types.RunSummary) error

	// PresignedURL returns a pre-signed URL for a run report.
	// Returns ErrNotConfigured when storage is not configured.
	PresignedURL(ctx context.Context, runID string) (url string, expiry time.Time, err error)
}

// s3Client defines the minimal minio.Client operations used by S3Archiver.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64, contentType string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper adapts *minio.Client to s3Client.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Archiver uploads run reports to S3-compatible storage.
type S3Archiver struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Archive uploads the report under {prefix}/{run_id}.json.
func (a *S3Archiver) Archive(ctx context.Context, summary types.RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	key := a.objectKey(summary.RunID)
	if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("upload run report to S3: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for a run report.
func (a *S3Archiver) PresignedURL(ctx context.Context, runID string) (string, time.Time, error) {
	presigned, err := a.client.PresignedGetObject(ctx, a.bucket, a.objectKey(runID), a.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(a.urlExpiry), nil
}

func (a *S3Archiver) objectKey(runID string) string {
	return path.Join(a.prefix, runID+".json")
}

// Noop is used when archive storage is not configured.
type Noop struct{}

// Archive is a no-op.
func (Noop) Archive(context.Context, types.RunSummary) error {
	return nil
}

// PresignedURL returns ErrNotConfigured.
func (Noop) PresignedURL(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// New creates the archiver for cfg: Noop when the bucket is empty,
// S3Archiver otherwise.
func New(cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return Noop{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		urlExpiry: 15 * time.Minute,
	}, nil
}
