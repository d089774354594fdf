package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/config"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// MinioClient implements ObjectClient against any S3-compatible endpoint
type MinioClient struct {
	client *minio.Client
	bucket string
	log    *logrus.Entry
}

// NewMinioClient connects to the configured endpoint and ensures the bucket exists
func NewMinioClient(ctx context.Context, cfg config.RemoteConfig, log *logrus.Entry) (*MinioClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: config.GetEffectiveUseSSL(cfg),
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create client for '%s': %w", utils.ErrObjectStore, cfg.Endpoint, err)
	}

	c := &MinioClient{
		client: client,
		bucket: cfg.Bucket,
		log:    log.WithFields(logrus.Fields{"component": "object_store", "bucket": cfg.Bucket}),
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: check bucket '%s': %w", utils.ErrObjectStore, cfg.Bucket, err)
	}
	if !exists {
		c.log.Info("Bucket missing, creating it")
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("%w: create bucket '%s': %w", utils.ErrObjectStore, cfg.Bucket, err)
		}
	}
	c.log.WithField("endpoint", cfg.Endpoint).Info("Object store ready")
	return c, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (c *MinioClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: get '%s': %w", utils.ErrObjectStore, key, err)
	}
	defer obj.Close()

	// GetObject is lazy, a missing key surfaces on first read
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read '%s': %w", utils.ErrObjectStore, key, err)
	}
	return data, true, nil
}

func (c *MinioClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	info, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("%w: put '%s': %w", utils.ErrObjectStore, key, err)
	}
	c.log.WithFields(logrus.Fields{"key": key, "etag": info.ETag, "size": info.Size}).Debug("Object written")
	return nil
}

func (c *MinioClient) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat '%s': %w", utils.ErrObjectStore, key, err)
	}
	return true, nil
}
