package objectstore

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Config configures the S3 endpoint.
type Config struct {
	// Endpoint is host:port without a scheme.
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return engine.NewValidationError("objectstore endpoint is required", nil)
	}
	if strings.Contains(c.Endpoint, "://") {
		return engine.NewValidationError("objectstore endpoint must not include a scheme", nil)
	}
	if c.Bucket == "" {
		return engine.NewValidationError("objectstore bucket is required", nil)
	}
	return nil
}

// MinioStore is a Store on one bucket of a MinIO or S3 endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore creates a store from cfg. It performs no I/O.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Bucket returns the bucket name.
func (s *MinioStore) Bucket() string {
	return s.bucket
}

// EnsureBucket creates the bucket unless it exists.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return Classify("check bucket "+s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return Classify("create bucket "+s.bucket, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Classify("put "+key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, Classify("get "+key, err)
	}
	return obj, info, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, Classify("stat "+key, err)
	}
	return objectInfo(info), nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, Classify("list "+prefix, obj.Err)
		}
		out = append(out, objectInfo(obj))
	}
	return out, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return Classify("delete "+key, err)
	}
	return nil
}

func (s *MinioStore) URI(key string) string {
	return "s3://" + s.bucket + "/" + strings.TrimPrefix(key, "/")
}

func objectInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

// Classify maps S3 errors to the engine taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := "objectstore " + op + " failed"
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return engine.NewNotFoundError("object", op).WithDetail("cause", err.Error())
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName", "EntityTooLarge":
		return engine.NewRejectedByBackendError(msg, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return engine.NewNotFoundError("object", op).WithDetail("cause", err.Error())
	}
	return engine.NewBackendUnavailableError(msg, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
