package cloudsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v5"

	"github.com/ashita-ai/kioku/internal/model"
)

// s3MaxTries bounds retries on transient storage errors.
const s3MaxTries = 3

// S3Options configures the S3-compatible backend. Endpoint is empty for
// AWS proper; set it for R2 or MinIO.
type S3Options struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Backend stores sync objects in an S3-compatible bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend builds the client. Static credentials take precedence over
// the ambient AWS credential chain when provided.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("cloudsync: bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Backend{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (b *S3Backend) key(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

// retry runs op with exponential backoff, at most s3MaxTries attempts.
// Missing-key errors are permanent and returned wrapped as ErrNotFound.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return v, backoff.Permanent(fmt.Errorf("%w: %w", model.ErrNotFound, err))
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s3MaxTries),
	)
}

func (b *S3Backend) Upload(ctx context.Context, key string, data []byte) error {
	_, err := retry(ctx, func() (struct{}, error) {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(key)),
			Body:   bytes.NewReader(data),
		})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("cloudsync: upload %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := retry(ctx, func() ([]byte, error) {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(key)),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	})
	if err != nil {
		return nil, fmt.Errorf("cloudsync: download %s: %w", key, err)
	}
	return data, nil
}

func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := retry(ctx, func() (struct{}, error) {
		_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(key)),
		})
		return struct{}{}, err
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("cloudsync: head %s: %w", key, err)
	}
	return true, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, func() (struct{}, error) {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(key)),
		})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("cloudsync: delete %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.key(prefix)
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		page, err := retry(ctx, func() (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("cloudsync: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
