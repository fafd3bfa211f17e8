// Package s3 provides an S3-compatible storage backend. Directories are key
// prefixes; MakeDir writes an empty "<key>/" marker so empty directories
// survive listing.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metrics"
	"github.com/fruitsalade/fileserver/internal/storage"
)

// BackendConfig is a JSON-serializable config for S3 backends.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// API is the subset of the S3 client the backend calls.
type API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client API
	bucket string
}

var _ storage.Backend = (*S3Backend)(nil)

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	backend := NewWithClient(client, cfg.Bucket)

	// Verify bucket exists
	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client API, bucket string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket}
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

func dirPrefix(key string) string {
	key = strings.Trim(key, "/")
	if key == "" {
		return ""
	}
	return key + "/"
}

// classify wraps S3 API errors so storage.IsNotFound and
// storage.IsPermission recognize them.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return fmt.Errorf("%w: %w", fs.ErrPermission, err)
		}
	}
	return err
}

// ReadDir lists the objects and common prefixes directly under key.
func (b *S3Backend) ReadDir(ctx context.Context, key string) ([]storage.DirEntry, error) {
	start := time.Now()
	prefix := dirPrefix(key)

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []storage.DirEntry
	seen := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordStorageOperation("s3", "read_dir", time.Since(start), false)
			return nil, fmt.Errorf("read dir %s: %w", key, classify(err))
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			seen = true
			entries = append(entries, storage.DirEntry{Name: name, Kind: storage.KindDir})
		}
		for _, obj := range page.Contents {
			seen = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue // directory marker
			}
			entries = append(entries, storage.DirEntry{Name: name, Kind: storage.KindFile})
		}
	}
	metrics.RecordStorageOperation("s3", "read_dir", time.Since(start), true)

	if !seen && prefix != "" {
		return nil, fmt.Errorf("read dir %s: %w", key, fs.ErrNotExist)
	}
	return entries, nil
}

// Stat returns object metadata, or directory metadata when key is a prefix.
// S3 does not record creation time separately, so Created is nil.
func (b *S3Backend) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(strings.Trim(key, "/")),
	})
	if err == nil {
		metrics.RecordStorageOperation("s3", "head_object", time.Since(start), true)
		info := &storage.ObjectInfo{Size: aws.ToInt64(out.ContentLength)}
		if out.LastModified != nil {
			mod := *out.LastModified
			info.Modified = &mod
		}
		return info, nil
	}
	err = classify(err)
	if !storage.IsNotFound(err) {
		metrics.RecordStorageOperation("s3", "head_object", time.Since(start), false)
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	isDir, err := b.hasPrefix(ctx, key)
	metrics.RecordStorageOperation("s3", "head_object", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if !isDir {
		return nil, fmt.Errorf("stat %s: %w", key, fs.ErrNotExist)
	}
	return &storage.ObjectInfo{IsDir: true}, nil
}

func (b *S3Backend) hasPrefix(ctx context.Context, key string) (bool, error) {
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, classify(err)
	}
	return len(out.Contents) > 0, nil
}

// Exists checks whether key is an object or a non-empty prefix.
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Stat(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MakeDir writes the directory marker object.
func (b *S3Backend) MakeDir(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(dirPrefix(key)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	metrics.RecordStorageOperation("s3", "put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("make dir %s: %w", key, classify(err))
	}
	logging.Debug("S3 make dir", zap.String("key", key))
	return nil
}

// Remove deletes an object. S3 reports success for a missing key.
func (b *S3Backend) Remove(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(strings.Trim(key, "/")),
	})
	metrics.RecordStorageOperation("s3", "delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, classify(err))
	}
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// RemoveDir deletes the directory marker once nothing else remains under
// the prefix.
func (b *S3Backend) RemoveDir(ctx context.Context, key string) error {
	start := time.Now()
	prefix := dirPrefix(key)

	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "remove_dir", time.Since(start), false)
		return fmt.Errorf("remove dir %s: %w", key, classify(err))
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != prefix {
			metrics.RecordStorageOperation("s3", "remove_dir", time.Since(start), false)
			return fmt.Errorf("remove dir %s: %w", key, syscall.ENOTEMPTY)
		}
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(prefix),
	})
	metrics.RecordStorageOperation("s3", "remove_dir", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("remove dir %s: %w", key, classify(err))
	}
	return nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
