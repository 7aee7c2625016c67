// Package upload copies finished run artifacts to S3.
package upload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/Siddhant-K-code/pairwise/pkg/logging"
)

// Config holds S3 upload settings.
type Config struct {
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	Region string

	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style
	// addressing is used when set.
	Endpoint string

	// PartSize is the multipart part size. Defaults to 8MB.
	PartSize int64

	// Concurrency bounds parallel part uploads per object and parallel
	// objects per directory.
	Concurrency int
}

// Uploader copies local files and directories to S3.
type Uploader struct {
	cfg Config
	up  *manager.Uploader
	log *slog.Logger
}

// New creates an uploader using the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient creates an uploader over an existing client.
func NewWithClient(client manager.UploadAPIClient, cfg Config, logger *slog.Logger) *Uploader {
	if cfg.PartSize <= 0 {
		cfg.PartSize = 8 * 1024 * 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = logging.Discard()
	}
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.Concurrency
	})
	return &Uploader{cfg: cfg, up: up, log: logger}
}

// Key returns the object key for rel, a slash or OS separated path.
func (u *Uploader) Key(rel string) string {
	return path.Join(u.cfg.Prefix, filepath.ToSlash(rel))
}

// Upload copies p to S3. A file lands at <prefix>/<base name>; a directory
// is copied recursively under <prefix>/<dir name>/. It returns the number of
// objects written.
func (u *Uploader) Upload(ctx context.Context, p string) (int, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		if err := u.uploadFile(ctx, p, u.Key(filepath.Base(p))); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return u.uploadDir(ctx, p)
}

func (u *Uploader) uploadDir(ctx context.Context, dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	base := filepath.Base(dir)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Concurrency)
	for _, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return 0, err
		}
		key := u.Key(filepath.Join(base, rel))
		g.Go(func() error {
			return u.uploadFile(gctx, p, key)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(files), nil
}

func (u *Uploader) uploadFile(ctx context.Context, p, key string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := u.up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", p, u.cfg.Bucket, key, err)
	}
	u.log.Debug("uploaded", "file", p, "bucket", u.cfg.Bucket, "key", key)
	return nil
}
