// Package objectstore downloads source recordings from an S3-compatible bucket.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/stt-worker/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultKeyTemplate locates a recording's audio by job id.
const DefaultKeyTemplate = "meets/{id}/audio.m4a"

// Config holds S3 connection configuration
type Config struct {
	Endpoint    string
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	KeyTemplate string
}

// Fetcher downloads the source audio for a job into a local directory.
type Fetcher struct {
	client      *minio.Client
	bucket      string
	keyTemplate string
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher backed by minio-go.
func NewFetcher(config *Config, logger *slog.Logger) (*Fetcher, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	keyTemplate := config.KeyTemplate
	if keyTemplate == "" {
		keyTemplate = DefaultKeyTemplate
	}

	return &Fetcher{
		client:      client,
		bucket:      config.Bucket,
		keyTemplate: keyTemplate,
		logger:      logger,
	}, nil
}

// ObjectKey renders the key template for a job id.
func ObjectKey(template, jobID string) string {
	return strings.ReplaceAll(template, "{id}", jobID)
}

// Fetch downloads the job's audio into dir and returns the local path.
// Missing objects wrap domain.ErrArtifactNotFound; any other failure wraps
// domain.ErrArtifactTransfer.
func (f *Fetcher) Fetch(ctx context.Context, jobID, dir string) (string, error) {
	key := ObjectKey(f.keyTemplate, jobID)
	dest := filepath.Join(dir, path.Base(key))

	f.logger.Debug("Downloading source audio",
		slog.String("job_id", jobID),
		slog.String("bucket", f.bucket),
		slog.String("key", key),
	)

	if err := f.client.FGetObject(ctx, f.bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(dest)
		return "", classify(f.bucket, key, err)
	}

	if info, err := os.Stat(dest); err == nil {
		f.logger.Info("Downloaded source audio",
			slog.String("job_id", jobID),
			slog.String("key", key),
			slog.Int64("bytes", info.Size()),
		)
	}
	return dest, nil
}

// classify maps S3 errors onto the fetch error taxonomy.
func classify(bucket, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: s3://%s/%s: %w", domain.ErrArtifactNotFound, bucket, key, err)
	default:
		return fmt.Errorf("%w: s3://%s/%s: %w", domain.ErrArtifactTransfer, bucket, key, err)
	}
}
