package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"parallel-go/internal/config"
	"parallel-go/internal/parallel"
)

// S3Provider stores a vault in an S3-compatible bucket. Object keys are
// the layout paths without a leading slash; directories are implicit.
type S3Provider struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Provider builds a client from vault credentials. Address, when set,
// points the client at a non-AWS endpoint such as MinIO.
func NewS3Provider(ctx context.Context, creds config.Credentials) (*S3Provider, error) {
	if creds.Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires a bucket")
	}
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if creds.Username != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds.Address != "" {
			o.BaseEndpoint = aws.String(creds.Address)
		}
		o.UsePathStyle = creds.ForcePathStyle
	})
	return &S3Provider{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   creds.Bucket,
	}, nil
}

func key(path string) string { return strings.TrimPrefix(path, "/") }

// CreateDirectory is a no-op: S3 has no directories.
func (p *S3Provider) CreateDirectory(ctx context.Context, path string) error { return nil }

func (p *S3Provider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key(path)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		return false, fmt.Errorf("head %s: %w", path, err)
	}

	// A "directory" exists when some object lives below it.
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(strings.TrimSuffix(key(path), "/") + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("listing %s: %w", path, err)
	}
	return len(out.Contents) > 0, nil
}

func (p *S3Provider) DeleteFile(ctx context.Context, path string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key(path)),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (p *S3Provider) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key(path)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", path, parallel.ErrNotFound)
		}
		return nil, fmt.Errorf("getting %s: %w", path, err)
	}
	return out.Body, nil
}

func (p *S3Provider) Upload(ctx context.Context, r io.Reader, path string, overwrite bool) (int64, error) {
	if !overwrite {
		exists, err := p.Exists(ctx, path)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, nil
		}
	}

	body := &countingReader{r: r}
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key(path)),
		Body:   body,
	})
	if err != nil {
		return 0, fmt.Errorf("uploading %s: %w", path, err)
	}
	return body.n.Load(), nil
}

func (p *S3Provider) Close() error { return nil }

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n.Add(int64(n))
	return n, err
}

var _ parallel.StorageProvider = (*S3Provider)(nil)
