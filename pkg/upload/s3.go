package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/antonitor/gotchat/pkg/logger"
)

type S3Options struct {
	Region string
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	// Endpoint overrides the AWS endpoint, for S3 compatible stores.
	Endpoint  string
	PathStyle bool
	// AccessKey and SecretKey select static credentials; otherwise the
	// default AWS credential chain applies.
	AccessKey string
	SecretKey string
	MaxSize   int64
}

type S3 struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	opts     S3Options
}

func NewS3(opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	cfg := &aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(opts.PathStyle),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return &S3{client: s3.New(sess), uploader: s3manager.NewUploader(sess), opts: opts}, nil
}

// Upload puts the local photo in the bucket and returns its location.
func (s *S3) Upload(ctx context.Context, localRef string) (string, error) {
	f, size, err := openLocal(localRef, s.opts.MaxSize)
	if err != nil {
		return "", err
	}
	defer f.Close()
	key := path.Join(s.opts.Prefix, NameFor(f.Name()))
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		logger.Warn("s3_upload_failed", "bucket", s.opts.Bucket, "key", key, "error", err)
		return "", err
	}
	logger.Debug("s3_uploaded", "bucket", s.opts.Bucket, "key", key, "bytes", size)
	return out.Location, nil
}

func (s *S3) key(name string) string { return path.Join(s.opts.Prefix, name) }

// Put stores r under name; gotchatd uses it for photos posted to the API.
func (s *S3) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	src := r
	if s.opts.MaxSize > 0 {
		src = io.LimitReader(r, s.opts.MaxSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	if s.opts.MaxSize > 0 && int64(len(data)) > s.opts.MaxSize {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.opts.MaxSize)
	}
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return "", err
	}
	return out.Location, nil
}

// Open streams an object back.
func (s *S3) Open(name string) (io.ReadCloser, int64, error) {
	if err := ValidName(name); err != nil {
		return nil, 0, err
	}
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var aerr awserr.RequestFailure
		if errors.As(err, &aerr) && aerr.StatusCode() == 404 {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, 0, err
	}
	return out.Body, aws.Int64Value(out.ContentLength), nil
}

func (s *S3) ContentType(name string) string { return contentType(name) }
