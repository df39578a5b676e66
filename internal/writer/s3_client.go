package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"github.com/roberjo/aurora-snowflake-sync/internal/config"
)

// S3Client implements ObjectStore against S3 or any S3-compatible endpoint.
type S3Client struct {
	client *minio.Client
	cfg    config.ObjectStoreConfig
	sse    encrypt.ServerSide
}

// NewS3Client creates a client from config. When a KMS key id is configured
// every upload is encrypted at rest with SSE-KMS.
func NewS3Client(cfg config.ObjectStoreConfig) (*S3Client, error) {
	if cfg.EndpointURL == "" {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("endpoint URL is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}

	endpoint := cfg.EndpointURL
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.EndpointURL); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("failed to create s3 client: %w", err))
	}

	s := &S3Client{client: client, cfg: cfg}
	if cfg.KMSKeyID != "" {
		sse, err := encrypt.NewSSEKMS(cfg.KMSKeyID, nil)
		if err != nil {
			return nil, wrapError(CodeAuthInvalid, false, fmt.Errorf("invalid KMS key id: %w", err))
		}
		s.sse = sse
	}
	return s, nil
}

func (s *S3Client) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return classifyS3Error(err)
	}
	return nil
}

func (s *S3Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if bucket == "" {
		return false, nil
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, classifyS3Error(err)
	}
	return exists, nil
}

func (s *S3Client) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if bucket == "" {
		return wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket is required"))
	}
	if key == "" {
		return wrapError(CodeUploadFailed, false, fmt.Errorf("object key is required"))
	}

	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:          "application/octet-stream",
		ServerSideEncryption: s.sse,
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

func (s *S3Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyS3Error(err)
	}
	return data, nil
}

func (s *S3Client) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	objectCh := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			return nil, classifyS3Error(obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// classifyS3Error converts minio-go errors into the writer's coded errors.
func classifyS3Error(err error) *Error {
	if err == nil {
		return nil
	}

	if resp, ok := err.(minio.ErrorResponse); ok {
		switch resp.Code {
		case "NoSuchBucket":
			return wrapError(CodeBucketNotFound, false, err)
		case "NoSuchKey":
			return wrapError(CodeObjectNotFound, false, err)
		case "AccessDenied":
			return wrapError(CodePermissionDenied, false, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrapError(CodeAuthInvalid, false, err)
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "access denied") || strings.Contains(errStr, "permission"):
		return wrapError(CodePermissionDenied, false, err)
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return wrapError(CodeTimeout, true, err)
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return wrapError(CodeEndpointUnreachable, true, err)
	}
	return wrapError(CodeUploadFailed, true, err)
}
