package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamgate/pkg/object"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Config holds connection details for an S3-compatible endpoint reached
// through the AWS SDK.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Bucket       string `yaml:"bucket"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// S3Storage is an object.Backend over the AWS SDK S3 client.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage builds an S3 client using static credentials.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{client: client, bucket: cfg.Bucket}, nil
}

// Stat implements object.Backend.
func (s *S3Storage) Stat(ctx context.Context, name string) (object.Metadata, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return object.Metadata{}, mapS3Error(err)
	}

	return object.Metadata{
		Name:         name,
		ETag:         object.NormalizeETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		ContentType:  aws.ToString(resp.ContentType),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// OpenRange implements object.Backend.
func (s *S3Storage) OpenRange(ctx context.Context, name string, start int64, end int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	}
	if start > 0 || end >= 0 {
		input.Range = aws.String(byteRangeHeader(start, end))
	}

	resp, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, mapS3Error(err)
	}
	return resp.Body, nil
}

// Put uploads the full object body in one request.
func (s *S3Storage) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (object.Metadata, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return object.Metadata{}, mapS3Error(err)
	}
	return s.Stat(ctx, name)
}

// List implements object.Lister. Listings do not carry content types.
func (s *S3Storage) List(ctx context.Context, prefix string, limit int) ([]object.Metadata, bool, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []object.Metadata
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, false, mapS3Error(err)
		}
		for _, obj := range page.Contents {
			if limit > 0 && len(objects) == limit {
				return objects, true, nil
			}
			objects = append(objects, object.Metadata{
				Name:         aws.ToString(obj.Key),
				ETag:         object.NormalizeETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, false, nil
}

func byteRangeHeader(start int64, end int64) string {
	if end >= 0 {
		return fmt.Sprintf("bytes=%d-%d", start, end)
	}
	return fmt.Sprintf("bytes=%d-", start)
}

func mapS3Error(err error) error {
	if err == nil {
		return nil
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return object.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch strings.ToLower(apiErr.ErrorCode()) {
		case "nosuchkey", "notfound", "404":
			return object.ErrNotFound
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return object.ErrNotFound
	}

	return err
}
