// Package blob stores immutable media bytes in S3-compatible object
// storage, keyed by content hash. Objects are write-once: the key
// embeds the sha256, so overwrites are always byte-identical.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sendfleet/sendfleet/internal/config"
)

type Client struct {
	mc     *minio.Client
	bucket string
}

func New(cfg config.BlobConfig) (*Client, error) {
	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob client: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// Key builds the canonical object key for a media blob.
func Key(botSlug, kind, sha256, ext string) string {
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s/%s.%s", botSlug, kind, sha256, ext)
}

func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("blob put %s: %w", key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("blob read %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) Stat(ctx context.Context, key string) (int64, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("blob stat %s: %w", key, err)
	}
	return info.Size, nil
}
