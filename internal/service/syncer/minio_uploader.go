package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds the object store connection settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectPutter is the subset of *minio.Client used by MinIOUploader.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOUploader stores each capture as objects under <camera>/<date>/<captureId>/.
type MinIOUploader struct {
	client  objectPutter
	bucket  string
	timeout time.Duration
}

// NewMinIOUploader connects to the object store and makes sure the bucket exists.
func NewMinIOUploader(ctx context.Context, cfg MinIOConfig, timeout time.Duration) (*MinIOUploader, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY / MINIO_SECRET_KEY not configured")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errExists := cli.BucketExists(ctx, cfg.Bucket)
		if errExists != nil || !exists {
			return nil, fmt.Errorf("failed to create or verify bucket %s: %w", cfg.Bucket, err)
		}
	}

	return newMinIOUploader(cli, cfg.Bucket, timeout), nil
}

func newMinIOUploader(client objectPutter, bucket string, timeout time.Duration) *MinIOUploader {
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	return &MinIOUploader{client: client, bucket: bucket, timeout: timeout}
}

// Upload implements Uploader. All objects must be stored for the upload to succeed.
func (m *MinIOUploader) Upload(ctx context.Context, up Upload) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	prefix := ObjectPrefix(up)

	if err := m.put(ctx, path.Join(prefix, "meta.json"), up.Meta, "application/json"); err != nil {
		return err
	}

	raw, err := os.ReadFile(up.RawPath)
	if err != nil {
		return fmt.Errorf("failed to read raw frame: %w", err)
	}
	if err := m.put(ctx, path.Join(prefix, "raw.jpg"), raw, "image/jpeg"); err != nil {
		return err
	}

	if up.AnnotatedPath != "" {
		ann, err := os.ReadFile(up.AnnotatedPath)
		if err != nil {
			return fmt.Errorf("failed to read annotated frame: %w", err)
		}
		if err := m.put(ctx, path.Join(prefix, "annotated.jpg"), ann, "image/jpeg"); err != nil {
			return err
		}
	}
	return nil
}

func (m *MinIOUploader) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// ObjectPrefix returns <camera>/<YYYY-MM-DD>/<captureId> for an upload.
// The date comes from the capture timestamp and falls back to "unknown-date".
func ObjectPrefix(up Upload) string {
	day := "unknown-date"
	if len(up.TimestampUTC) >= 10 {
		if _, err := time.Parse("2006-01-02", up.TimestampUTC[:10]); err == nil {
			day = up.TimestampUTC[:10]
		}
	}
	return path.Join(up.CameraID, day, up.CaptureID)
}
