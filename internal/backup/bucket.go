package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Extension is appended to every archive key.
const Extension = ".lsx"

var ErrNotConfigured = errors.New("backup bucket not configured: bucket or credentials missing")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Bucket stores sealed archives under {prefix}/{deviceId}/{listId}/{timestamp}.lsx.
type Bucket struct {
	client s3Client
	bucket string
	prefix string
	now    func() time.Time
}

func NewBucket(cfg S3Config) (*Bucket, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	return newBucket(newS3Client(cfg), cfg), nil
}

func newBucket(client s3Client, cfg S3Config) *Bucket {
	return &Bucket{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (b *Bucket) dir(deviceID, listID string) string {
	return path.Join(b.prefix, deviceID, listID) + "/"
}

// Upload stores blob and returns its key.
func (b *Bucket) Upload(ctx context.Context, deviceID, listID string, blob []byte) (string, error) {
	key := b.dir(deviceID, listID) + b.now().Format("2006-01-02T150405.000Z") + Extension
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return key, nil
}

// Download fetches the archive at key.
func (b *Bucket) Download(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	blob, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object: %w", err)
	}
	return blob, nil
}

// List returns the archive keys stored for listID, oldest first.
func (b *Bucket) List(ctx context.Context, deviceID, listID string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.dir(deviceID, listID)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); path.Ext(key) == Extension {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Prune deletes all but the newest keep archives of listID. Failed deletes
// are skipped and counted in the returned error.
func (b *Bucket) Prune(ctx context.Context, deviceID, listID string, keep int) (int, error) {
	keys, err := b.List(ctx, deviceID, listID)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(keys) <= keep {
		return 0, nil
	}

	var errs []error
	deleted := 0
	for _, key := range keys[:len(keys)-keep] {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
