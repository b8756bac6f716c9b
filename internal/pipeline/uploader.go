package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error)
}

// S3Options selects the bucket and endpoint for NewS3Uploader.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Uploader loads the default AWS credential chain and targets opts.Bucket.
func NewS3Uploader(ctx context.Context, opts S3Options) (Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return &s3Uploader{client: client, bucket: opts.Bucket}, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// LocalUploader writes objects under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body io.ReadSeeker, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return path, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}
