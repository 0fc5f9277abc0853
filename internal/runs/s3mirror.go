package runs

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// S3Mirror uploads run artifacts to an S3 bucket under runs/<run_id>/.
type S3Mirror struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
}

// NewS3Mirror creates a mirror for bucket using the default credential
// chain. An empty region falls back to the SDK's environment lookup.
func NewS3Mirror(bucket, region string) (*S3Mirror, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 mirror: bucket is required")
	}
	cfg := &aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: new session: %w", err)
	}
	return NewS3MirrorWithUploader(s3manager.NewUploader(sess), bucket), nil
}

// NewS3MirrorWithUploader wraps an existing uploader.
func NewS3MirrorWithUploader(u s3manageriface.UploaderAPI, bucket string) *S3Mirror {
	return &S3Mirror{uploader: u, bucket: bucket, prefix: "runs"}
}

// Mirror uploads data as <prefix>/<runID>/<name>.
func (m *S3Mirror) Mirror(ctx context.Context, runID, name string, data []byte) error {
	input := &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.objectKey(runID, name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(name)),
	}
	if _, err := m.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", aws.StringValue(input.Key), err)
	}
	return nil
}

func (m *S3Mirror) objectKey(runID, name string) string {
	return path.Join(m.prefix, runID, path.Base(name))
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(name, ".html"):
		return "text/html; charset=utf-8"
	}
	return "application/octet-stream"
}
