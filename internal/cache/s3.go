package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3 is a Cache backed by an S3-compatible object store. Unlike Disk it
// stores payloads uncompressed — object storage is billed and served
// independently of local disk pressure, so there's no local-footprint
// reason to pay the zstd CPU cost here.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// S3Options configures the S3 cache backend.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3 builds an S3-backed cache. Endpoint is optional and, when set,
// points the client at an S3-compatible service (e.g. MinIO) instead of
// AWS.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cache: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
	}, nil
}

// Get downloads the object for key/format, reporting a miss on a 404.
func (c *S3) Get(ctx context.Context, key, format string) ([]byte, bool, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(key, format)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: get object: %w", err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("cache: read object body: %w", err)
	}
	return payload, true, nil
}

// Set uploads payload through the multipart upload manager, which splits
// large artifacts (a multi-page PDF, a full-page screenshot) into parts
// transparently rather than requiring this client to size that decision
// itself. ttl is recorded as an object tag rather than enforced by this
// client, since S3 lifecycle rules (outside this process) are the natural
// place to expire objects by age.
func (c *S3) Set(ctx context.Context, key, format string, payload []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:  aws.String(c.bucket),
		Key:     aws.String(objectKey(key, format)),
		Body:    bytes.NewReader(payload),
		Tagging: aws.String("expires-at=" + expiresAt.Format(time.RFC3339)),
	})
	if err != nil {
		return fmt.Errorf("cache: put object: %w", err)
	}
	return nil
}

// ModifiedSince returns the object's LastModified timestamp.
func (c *S3) ModifiedSince(ctx context.Context, key, format string) (time.Time, bool, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(key, format)),
	})
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("cache: head object: %w", err)
	}
	if out.LastModified == nil {
		return time.Time{}, false, nil
	}
	return *out.LastModified, true, nil
}

func isNotFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == 404
	}
	return false
}
