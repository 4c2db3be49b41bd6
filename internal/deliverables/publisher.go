package deliverables

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sitelinehq/siteline/internal/config"
	"github.com/sitelinehq/siteline/internal/types"
)

// Publisher uploads stage deliverables and returns client-facing
// references to them.
type Publisher interface {
	// Publish uploads the items for one project stage and returns the
	// deliverable records to attach to the approval request.
	Publish(ctx context.Context, externalID string, stage types.Stage, items []Item) ([]types.Deliverable, error)
}

// s3Client defines the minimal minio.Client operations used by
// S3Publisher. This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath, contentType string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Publisher uploads deliverables to S3-compatible storage and hands
// out pre-signed GET URLs.
type S3Publisher struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
}

// Publish uploads each item and returns deliverables with pre-signed
// URLs.
func (p *S3Publisher) Publish(ctx context.Context, externalID string, stage types.Stage, items []Item) ([]types.Deliverable, error) {
	deliverables := make([]types.Deliverable, 0, len(items))
	for _, item := range items {
		key := objectKey(externalID, stage, item.Name)
		if err := p.client.FPutObject(ctx, p.bucket, key, item.Path, item.Mime); err != nil {
			return nil, fmt.Errorf("upload %s: %w", item.Name, err)
		}

		presigned, err := p.client.PresignedGetObject(ctx, p.bucket, key, p.urlExpiry)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", item.Name, err)
		}

		deliverables = append(deliverables, types.Deliverable{
			Name: item.Name,
			URL:  presigned.String(),
			Mime: item.Mime,
			Size: item.Size,
		})
	}
	return deliverables, nil
}

// NoopPublisher is used when S3 storage is not configured. Deliverables
// reference their workspace path directly.
type NoopPublisher struct{}

// Publish returns file URLs pointing at the local workspace.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ types.Stage, items []Item) ([]types.Deliverable, error) {
	deliverables := make([]types.Deliverable, 0, len(items))
	for _, item := range items {
		deliverables = append(deliverables, types.Deliverable{
			Name: item.Name,
			URL:  "file://" + item.Path,
			Mime: item.Mime,
			Size: item.Size,
		})
	}
	return deliverables, nil
}

// NewPublisher creates the appropriate Publisher based on configuration.
// Returns NoopPublisher when the endpoint is empty, S3Publisher
// otherwise.
func NewPublisher(cfg config.DeliverablesConfig) (Publisher, error) {
	if cfg.Endpoint == "" {
		return &NoopPublisher{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Publisher{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: time.Duration(cfg.PresignExpiry),
	}, nil
}

// objectKey returns the S3 object key for one deliverable.
// Convention: {external_id}/{stage}/{name}
func objectKey(externalID string, stage types.Stage, name string) string {
	return fmt.Sprintf("%s/%s/%s", externalID, stage, name)
}
