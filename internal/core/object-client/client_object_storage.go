package objectclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/markdave123-py/Extracta/internal/core"
)

var _ core.BlobStore = (*S3Client)(nil)

// Options configures the S3 blob store.
type Options struct {
	Bucket string
	Prefix string
	// Endpoint points the client at an S3-compatible store such as MinIO or LocalStack.
	Endpoint string
}

// S3Client stores document bytes under <prefix><id> in a single bucket.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Client builds the store from an already loaded aws.Config so the same
// credentials chain can be shared with other AWS clients.
func NewS3Client(awsCfg aws.Config, opts Options) (*S3Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

// Key returns the object key holding a document's bytes.
func (c *S3Client) Key(id string) string {
	return c.prefix + id
}

// Bucket returns the bucket documents are written to.
func (c *S3Client) Bucket() string {
	return c.bucket
}

// Put uploads the document bytes.
func (c *S3Client) Put(ctx context.Context, id string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.Key(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := c.uploader.Upload(ctxUpload, input); err != nil {
		return core.E(core.KindStorage, "s3.Put", fmt.Errorf("s3 upload failed: %w", err))
	}
	return nil
}

// Get downloads the document bytes. A missing key is reported as NotFound.
func (c *S3Client) Get(ctx context.Context, id string) ([]byte, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.Key(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, core.Ef(core.KindNotFound, "s3.Get", "object %s not found", c.Key(id))
		}
		return nil, core.E(core.KindStorage, "s3.Get", fmt.Errorf("s3 get failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.E(core.KindStorage, "s3.Get", fmt.Errorf("read body: %w", err))
	}

	return body, nil
}

// IDFromKey maps an object key from a storage event back to a document id.
// ok is false for keys outside the configured prefix.
func IDFromKey(prefix, key string) (id string, ok bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id = strings.TrimPrefix(key, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
