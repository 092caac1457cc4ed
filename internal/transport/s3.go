package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/snapvault/snapvault/internal/config"
)

// S3Backend stores backups as objects under
// "<prefix>/<id>.staging/<name>". Finalize copies every staged object
// to "<prefix>/<id>/<name>" and removes the staged copies; the staging
// prefix acts as the atomicity marker, since readers only look under
// the finalized prefix.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend builds an S3 client for the configured bucket. Static
// credentials from the config take precedence over the default chain.
func NewS3Backend(ctx context.Context, cfg *config.S3Config) (*S3Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
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

	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3Backend) stagingKey(backupID, name string) string {
	return path.Join(b.prefix, backupID+StagingSuffix, name)
}

func (b *S3Backend) finalKey(backupID, name string) string {
	return path.Join(b.prefix, backupID, name)
}

// Put uploads one object to the staging prefix.
func (b *S3Backend) Put(ctx context.Context, backupID, name string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.stagingKey(backupID, name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put staged object: %w", err)
	}
	return nil
}

// OpenStaging reads a staged object.
func (b *S3Backend) OpenStaging(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	return b.get(ctx, b.stagingKey(backupID, name))
}

// Open reads an object from a finalized backup.
func (b *S3Backend) Open(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	return b.get(ctx, b.finalKey(backupID, name))
}

func (b *S3Backend) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

// Finalize copies every staged object under the finalized prefix and
// deletes the staged copies.
func (b *S3Backend) Finalize(ctx context.Context, backupID string) error {
	stagedPrefix := path.Join(b.prefix, backupID+StagingSuffix) + "/"

	keys, err := b.listKeys(ctx, stagedPrefix)
	if err != nil {
		return err
	}

	for _, key := range keys {
		name := key[len(stagedPrefix):]
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			CopySource: aws.String(b.bucket + "/" + key),
			Key:        aws.String(b.finalKey(backupID, name)),
		})
		if err != nil {
			return fmt.Errorf("publish staged object %s: %w", key, err)
		}
	}

	// Staged copies are removed only after every object is published.
	for _, key := range keys {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("remove staged object %s: %w", key, err)
		}
	}
	return nil
}

// Delete removes every object of a finalized backup.
func (b *S3Backend) Delete(ctx context.Context, backupID string) error {
	prefix := path.Join(b.prefix, backupID) + "/"
	keys, err := b.listKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete object %s: %w", key, err)
		}
	}
	return nil
}

func (b *S3Backend) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Close is a no-op for the S3 backend.
func (b *S3Backend) Close() error { return nil }
