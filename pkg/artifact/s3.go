package artifact

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3 sink.
//
// Credentials come from the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi) set
// Endpoint and usually ForcePathStyle.
type S3Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every file name. It ends in "/" when non-empty.
	Prefix string

	// Region defaults to us-east-1 for AWS when neither config nor
	// environment sets one. No default is applied when Endpoint is set.
	Region string

	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// SpoolMemoryBytes caps the upload body buffered in memory. Zero uses
	// DefaultSpoolMemoryBytes.
	SpoolMemoryBytes int64
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}

// S3Sink uploads run files to a bucket.
type S3Sink struct {
	client      *s3.Client
	bucket      string
	prefix      string
	spoolMemory int64
}

var _ Sink = (*S3Sink)(nil)

// NewS3Sink creates an S3 sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &SinkError{Op: "New", Sink: SinkS3, Dest: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, spoolMemory: cfg.SpoolMemoryBytes}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only pin the region when configured; env and profile resolve first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Put uploads body as prefix+name. The SDK signs the payload and plain-HTTP
// endpoints reject unsigned streaming uploads, so non-seekable bodies are
// spooled first: in memory up to SpoolMemoryBytes, to a temp file beyond.
func (s *S3Sink) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	key, err := s.key(name)
	if err != nil {
		return &SinkError{Op: "Put", Sink: SinkS3, Dest: s.bucket, Key: name, Err: err}
	}

	var payload io.Reader = body
	if _, seekable := body.(io.ReadSeeker); !seekable || size < 0 {
		sb, err := spool(body, size, s.spoolMemory)
		if err != nil {
			return &SinkError{Op: "Put", Sink: SinkS3, Dest: s.bucket, Key: key, Err: err}
		}
		defer func() { _ = sb.Close() }()
		payload, size = sb.reader, sb.size
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          payload,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *S3Sink) Location(name string) string {
	return "s3://" + s.bucket + "/" + s.prefix + name
}

// Close releases nothing; the S3 client holds no per-sink resources.
func (s *S3Sink) Close() error { return nil }

func (s *S3Sink) key(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return s.prefix + clean, nil
}

// wrapError converts S3 errors to sink errors with sentinel causes.
func (s *S3Sink) wrapError(op, key string, err error) error {
	wrapped := &SinkError{Op: op, Sink: SinkS3, Dest: s.bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelForCode(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = sentinel
		}
		return wrapped
	}

	// Some S3-compatible stores return bare HTTP failures.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchBucket"):
		wrapped.Err = ErrBucketNotFound
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		wrapped.Err = ErrAccessDenied
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "429"):
		wrapped.Err = ErrThrottled
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "503"):
		wrapped.Err = ErrUnavailable
	}
	return wrapped
}

func sentinelForCode(code string) error {
	switch code {
	case "NoSuchBucket":
		return ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		return ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return ErrUnavailable
	}
	return nil
}

// resolveRegion applies the us-east-1 fallback for AWS endpoints only.
// sdkRegion already reflects explicit config, environment and profile.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
