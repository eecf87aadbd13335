package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rehearsekit/backend/internal/config"
)

const presignExpiry = time.Hour

// S3 stores artifacts in any S3 compatible bucket (AWS, Cloudflare R2, MinIO).
type S3 struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewS3 creates a new S3 storage client
func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: s3 configuration incomplete", ErrStorage)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: endpoint,
			}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrStorage, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
	}, nil
}

func (c *S3) ref(key string) string {
	return "s3://" + c.bucket + "/" + strings.TrimPrefix(key, "/")
}

// parseRef splits s3://bucket/key. Bare keys are taken to live in the
// configured bucket.
func (c *S3) parseRef(ref string) (bucket, key string, err error) {
	if !strings.HasPrefix(ref, "s3://") {
		if ref == "" {
			return "", "", fmt.Errorf("%w: empty reference", ErrStorage)
		}
		return c.bucket, strings.TrimPrefix(ref, "/"), nil
	}
	rest := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed reference %q", ErrStorage, ref)
	}
	return bucket, key, nil
}

func (c *S3) Save(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrStorage, localPath, err)
	}
	defer f.Close()
	return c.SaveReader(ctx, f, key, contentTypeFor(localPath))
}

func (c *S3) SaveReader(ctx context.Context, r io.Reader, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = contentTypeFor(key)
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	}
	if _, err := c.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("%w: upload %s: %w", ErrStorage, key, err)
	}
	return c.ref(key), nil
}

func (c *S3) SaveDir(ctx context.Context, localDir, prefix string) (string, error) {
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		_, err = c.Save(ctx, p, path.Join(prefix, filepath.ToSlash(rel)))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: save dir %s: %w", ErrStorage, prefix, err)
	}
	return c.ref(strings.TrimSuffix(prefix, "/")), nil
}

// Resolve downloads the object into workDir and returns the local path.
func (c *S3) Resolve(ctx context.Context, ref, workDir string) (string, error) {
	bucket, key, err := c.parseRef(ref)
	if err != nil {
		return "", err
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("%w: download %s: %w", ErrStorage, ref, err)
	}
	defer out.Body.Close()

	dst := filepath.Join(workDir, path.Base(key))
	if err := writeFile(out.Body, dst); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrStorage, dst, err)
	}
	return dst, nil
}

func (c *S3) Exists(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	bucket, key, err := c.parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("%w: head %s: %w", ErrStorage, ref, err)
}

// DownloadURL generates a presigned URL valid for one hour
func (c *S3) DownloadURL(ctx context.Context, ref string) (string, error) {
	bucket, key, err := c.parseRef(ref)
	if err != nil {
		return "", err
	}
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %w", ErrStorage, ref, err)
	}
	return req.URL, nil
}

// Delete removes the object at ref and every object stored under it as a
// prefix, which is how SaveDir lays out a directory.
func (c *S3) Delete(ctx context.Context, ref string) error {
	bucket, key, err := c.parseRef(ref)
	if err != nil {
		return err
	}
	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStorage, ref, err)
	}

	pages := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(strings.TrimSuffix(key, "/") + "/"),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("%w: list %s: %w", ErrStorage, ref, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: objects},
		}); err != nil {
			return fmt.Errorf("%w: delete under %s: %w", ErrStorage, ref, err)
		}
	}
	return nil
}
