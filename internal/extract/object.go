package extract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// ObjectConfig holds object storage connection settings
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint" env:"PROCTOR_OBJECTS_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"PROCTOR_OBJECTS_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"PROCTOR_OBJECTS_SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"PROCTOR_OBJECTS_USE_SSL"`
}

// ObjectExtractor reads s3://bucket/key handles from S3-compatible storage.
type ObjectExtractor struct {
	client   *minio.Client
	MaxBytes int64
}

// NewObjectExtractor connects to the configured endpoint.
func NewObjectExtractor(cfg ObjectConfig) (*ObjectExtractor, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return &ObjectExtractor{client: client, MaxBytes: DefaultMaxBytes}, nil
}

// Extract downloads the object and sniffs its type.
func (o *ObjectExtractor) Extract(ctx context.Context, handle string) (domain.Content, error) {
	bucket, key, err := ParseObjectHandle(handle)
	if err != nil {
		return domain.Content{}, domain.ContentError("extract", err)
	}

	obj, err := o.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return domain.Content{}, classifyObjectError(handle, err)
	}
	defer obj.Close()

	max := o.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	data, err := readLimited(obj, max)
	if err != nil {
		return domain.Content{}, classifyObjectError(handle, err)
	}
	return Classify(data)
}

// ParseObjectHandle splits s3://bucket/key.
func ParseObjectHandle(handle string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(handle, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not an s3:// handle", domain.ErrInvalidInput, handle)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q needs a bucket and key", domain.ErrInvalidInput, handle)
	}
	return bucket, key, nil
}

// classifyObjectError treats a missing object as the submission's problem
// and anything that means storage itself is unavailable as a service error.
func classifyObjectError(handle string, err error) error {
	if errors.Is(err, errTooLarge) {
		return domain.ContentError("extract", fmt.Errorf("%w: %s: %v", domain.ErrUnreadableContent, handle, err))
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "InvalidObjectName":
		return domain.ContentError("extract", fmt.Errorf("%w: %s: %v", domain.ErrUnreadableContent, handle, err))
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return domain.ServiceError("extract", fmt.Errorf("object storage rejected credentials: %w", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ServiceError("extract", fmt.Errorf("object storage unreachable: %w", err))
	}
	return domain.ContentError("extract", fmt.Errorf("%w: %s: %v", domain.ErrUnreadableContent, handle, err))
}
