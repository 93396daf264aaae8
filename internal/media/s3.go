package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the part of the S3 client S3Store uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes uploads to a bucket and returns s3://bucket/key references.
type S3Store struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Store wraps an existing client.
func NewS3Store(client PutObjectAPI, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// OpenS3Store builds a client from the default AWS configuration chain.
func OpenS3Store(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 media: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 media: load aws config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// StoreUpload classifies filename and uploads r as <prefix>/<id><ext>.
func (s *S3Store) StoreUpload(ctx context.Context, r io.Reader, filename string) (Upload, error) {
	kind, mt, err := Classify(filename)
	if err != nil {
		return Upload{}, err
	}

	id := newID()
	key := path.Join(s.prefix, id+strings.ToLower(path.Ext(filename)))
	counter := &countingReader{r: r}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        counter,
		ContentType: aws.String(mt),
	})
	if err != nil {
		return Upload{}, fmt.Errorf("store upload: %w", err)
	}

	return Upload{
		ID:       id,
		Kind:     kind,
		Ref:      "s3://" + s.bucket + "/" + key,
		MIMEType: mt,
		Size:     counter.n,
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
