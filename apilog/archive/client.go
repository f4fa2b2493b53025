// Package archive mirrors delivered batches into S3-compatible object
// storage (AWS S3, MinIO, Akave O3) as gzipped JSON documents.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/spidey52/api-logs/apilog"
)

// ContentType of archived batches.
const ContentType = "application/gzip"

// Config locates the bucket. An empty Endpoint or Bucket disables archiving.
type Config struct {
	Endpoint  string `koanf:"endpoint" validate:"omitempty,url"`
	Bucket    string `koanf:"bucket" validate:"required_with=Endpoint"`
	Region    string `koanf:"region"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
}

// Enabled reports whether c names a bucket to write to.
func (c Config) Enabled() bool { return c.Endpoint != "" && c.Bucket != "" }

// Client uploads and downloads archived batches.
type Client struct {
	client *s3.Client
	bucket string
}

// NewClient builds a path-style S3 client. It returns nil, nil when cfg is
// not enabled; a nil *Client is safe to call and reports ErrNotConfigured.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	client := s3.NewFromConfig(aws.Config{
		Region:      region,
		Credentials: aws.NewCredentialsCache(creds),
	}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return &Client{client: client, bucket: cfg.Bucket}, nil
}

// ErrNotConfigured is returned by a nil *Client.
var ErrNotConfigured = errors.New("archive: bucket not configured")

// EnsureBucket creates the bucket when HeadBucket fails.
func (c *Client) EnsureBucket(ctx context.Context) error {
	if c == nil {
		return nil
	}
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	_, createErr := c.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	if createErr != nil {
		var apiErr smithy.APIError
		if errors.As(createErr, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, createErr)
	}
	return nil
}

// PutObject uploads data to key.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if c == nil {
		return ErrNotConfigured
	}
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

// KeyForBatch returns logs/<env>/<yyyy/mm/dd>/<batch-id>.json.gz for the
// UTC date of at.
func KeyForBatch(env apilog.Environment, batchID string, at time.Time) string {
	if env == "" {
		env = apilog.EnvDev
	}
	return path.Join("logs", env.String(), at.UTC().Format("2006/01/02"), batchID+".json.gz")
}

// ObjectInfo describes one archived object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListObjects lists objects under prefix, e.g. "logs/production/".
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, err
	}
	result := make([]ObjectInfo, 0, len(out.Contents))
	for _, o := range out.Contents {
		info := ObjectInfo{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)}
		if o.LastModified != nil {
			info.LastModified = *o.LastModified
		}
		result = append(result, info)
	}
	return result, nil
}

// GetObject downloads an object by key.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// GetBatch downloads and decodes an archived batch.
func (c *Client) GetBatch(ctx context.Context, key string) ([]apilog.LogEntry, error) {
	raw, err := c.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	return DecodeBatch(raw)
}
