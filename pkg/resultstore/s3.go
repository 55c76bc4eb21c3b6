package resultstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
)

// ObjectPutter is the part of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from the default credential chain, or
// from static keys when given. A custom endpoint switches to path-style
// addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Archiver copies the artifacts of a finished run to a bucket.
type S3Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	metrics *metrics.Registry
}

func NewS3Archiver(client ObjectPutter, bucket, prefix string, reg *metrics.Registry) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, metrics: reg}
}

// Key is the object key of file name within run runID.
func (a *S3Archiver) Key(runID, name string) string {
	return path.Join(a.prefix, runID, name)
}

// Archive uploads every regular file in dir under <prefix>/<runID>/.
func (a *S3Archiver) Archive(ctx context.Context, runID, dir string) (err error) {
	start := time.Now()
	defer func() {
		if a.metrics == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.metrics.RecordStoreOperation("s3", "archive", status, time.Since(start))
	}()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read run dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(a.Key(runID, e.Name())),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(contentType(e.Name())),
		})
		if err != nil {
			return fmt.Errorf("put %s: %w", e.Name(), err)
		}
	}
	return nil
}

func contentType(name string) string {
	if filepath.Ext(name) == ".json" {
		return "application/json"
	}
	return "application/octet-stream"
}
