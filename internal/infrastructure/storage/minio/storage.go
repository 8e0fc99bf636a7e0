package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/resilience"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Storage keeps objects in an S3-compatible bucket.
type Storage struct {
	client   *minio.Client
	bucket   string
	executor *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Storage{client: client, bucket: cfg.Bucket, executor: executor}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.executor.Execute(ctx, "minio.ensure_bucket", func(callCtx context.Context) error {
		exists, err := s.client.BucketExists(callCtx, s.bucket)
		if err != nil {
			return classify("check bucket", err)
		}
		if exists {
			return nil
		}
		if err := s.client.MakeBucket(callCtx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return classify("create bucket", err)
		}
		return nil
	}, resilience.DomainClassifier)
}

// Save streams the object; the reader is consumed once so it is not retried.
func (s *Storage) Save(ctx context.Context, key string, data io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return classify("put object", err)
	}
	return nil
}

func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := s.stat(ctx, key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get object", err)
	}
	return obj, nil
}

func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.stat(ctx, key)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Storage) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return classify("list objects", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return classify("remove object", err)
		}
	}
	return nil
}

func (s *Storage) stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	return resilience.ExecuteValue(ctx, s.executor, "minio.stat", func(callCtx context.Context) (minio.ObjectInfo, error) {
		info, err := s.client.StatObject(callCtx, s.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return minio.ObjectInfo{}, classify("stat object", err)
		}
		return info, nil
	}, resilience.DomainClassifier)
}

func classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.StatusCode == 404:
		return domain.WrapError(domain.ErrObjectNotFound, op, err)
	case resp.StatusCode == 503 || resp.StatusCode == 500 || resp.Code == "SlowDown":
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zip"):
		return "application/zip"
	case strings.HasSuffix(key, ".dxf"):
		return "application/dxf"
	case strings.HasSuffix(key, ".xlsx"):
		return domain.FormatXLSX.ContentType()
	}
	return "application/octet-stream"
}
