package tidemark

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MediaUploader pushes a media payload's pending bytes to blob storage
// and returns the reference with its URL filled in.
type MediaUploader interface {
	Upload(ctx context.Context, localID string, ref MediaRef) (MediaRef, error)
}

// S3Uploader stores media blobs in an S3 bucket. The object key is
// derived from the record's local ID, so a re-upload after a retried
// sync overwrites the same object instead of leaking duplicates.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader creates an uploader from media settings. A custom
// Endpoint targets S3-compatible stores (MinIO and the like).
func NewS3Uploader(ctx context.Context, cfg MediaConfig) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("media bucket not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
	}, nil
}

// Upload implements MediaUploader.
func (u *S3Uploader) Upload(ctx context.Context, localID string, ref MediaRef) (MediaRef, error) {
	if len(ref.PendingBytes) == 0 {
		return ref, fmt.Errorf("media for %s has no pending bytes", localID)
	}

	key := localID
	if u.prefix != "" {
		key = path.Join(u.prefix, localID)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(ref.PendingBytes),
	}
	if ref.ContentType != "" {
		input.ContentType = aws.String(ref.ContentType)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return ref, newNetworkError("upload media "+key, err)
	}

	ref.URL = fmt.Sprintf("s3://%s/%s", u.bucket, key)
	ref.SizeBytes = int64(len(ref.PendingBytes))
	ref.PendingBytes = nil
	return ref, nil
}
