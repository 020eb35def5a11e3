package artifact

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader stores artifacts in an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds an uploader against the given bucket and region using
// the ambient AWS credential chain.
func NewS3Uploader(ctx context.Context, bucket, region string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3 object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
