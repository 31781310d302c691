package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/salesflow/backend/internal/domain/sales"
	infraconfig "github.com/salesflow/backend/internal/infrastructure/config"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

const transcriptContentType = "application/json"

// S3TranscriptArchiver uploads session transcripts to an S3 bucket. Any
// S3-compatible store works (AWS S3, MinIO, RustFS).
type S3TranscriptArchiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// S3ArchiverOption is a functional option for S3TranscriptArchiver
type S3ArchiverOption func(*S3TranscriptArchiver)

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) S3ArchiverOption {
	return func(s *S3TranscriptArchiver) {
		s.logger = logger
	}
}

// NewS3TranscriptArchiver creates an archiver from configuration
func NewS3TranscriptArchiver(ctx context.Context, cfg *infraconfig.ArchiveConfig, opts ...S3ArchiverOption) (*S3TranscriptArchiver, error) {
	if cfg == nil {
		return nil, errors.New("archive configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	// Without static keys the default chain applies (env, shared config, IAM role)
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, errors.New("archive access key ID and secret access key must be set together")
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid archive endpoint: %w", err)
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			// S3-compatible stores reject the default trailing checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	archiver := &S3TranscriptArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(archiver)
	}
	archiver.logger = archiver.logger.Named("archive")
	return archiver, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *S3TranscriptArchiver) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	s.logger.Info("Creating archive bucket", zap.String("bucket", s.bucket))
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// ArchiveTranscript implements sales.TranscriptArchiver. The key is derived
// from the session, so a retried upload overwrites the same object.
func (s *S3TranscriptArchiver) ArchiveTranscript(ctx context.Context, session *sales.Session, order *sales.OrderRecord) error {
	if session == nil {
		return errors.New("session is required")
	}
	transcript := BuildTranscript(session, order)
	data, err := transcript.Marshal()
	if err != nil {
		return err
	}
	key := TranscriptKey(s.prefix, transcript)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(transcriptContentType),
		Metadata: map[string]string{
			"customer-id": transcript.CustomerID,
			"session-id":  transcript.SessionID.String(),
		},
	})
	if err != nil {
		return sales.MarkTransient(fmt.Errorf("failed to upload transcript: %w", err))
	}

	logger.WithTraceContext(ctx, s.logger).Info("Transcript archived",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// GetBucket returns the bucket name
func (s *S3TranscriptArchiver) GetBucket() string {
	return s.bucket
}

var _ sales.TranscriptArchiver = (*S3TranscriptArchiver)(nil)
