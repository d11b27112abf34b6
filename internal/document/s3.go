package document

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/erilink/eri-gateway/internal/config"
	"github.com/erilink/eri-gateway/internal/metrics"
)

// S3Store keeps documents in an S3-compatible bucket.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	metrics *metrics.Metrics
}

// NewS3Store creates a client for AWS S3 or an S3-compatible service like MinIO.
// Static credentials are used when both keys are set; otherwise the default
// AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg appconfig.S3) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.AccessKey,
					SecretAccessKey: cfg.SecretKey,
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		metrics: metrics.NewMetrics(),
	}, nil
}

// Bucket implements Store.
func (s *S3Store) Bucket() string { return s.bucket }

// Put uploads body under key.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (err error) {
	defer func() { s.observe("put", err) }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a presigned GET URL for key that expires after ttl.
func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (_ string, err error) {
	defer func() { s.observe("sign", err) }()

	res, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return res.URL, nil
}

// Size returns the stored object's length via a HEAD request.
func (s *S3Store) Size(ctx context.Context, key string) (_ int64, err error) {
	defer func() { s.observe("head", err) }()

	res, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return aws.ToInt64(res.ContentLength), nil
}

func (s *S3Store) observe(operation string, err error) {
	s.metrics.DocumentOperations.WithLabelValues(operation, metrics.Status(err)).Inc()
}
