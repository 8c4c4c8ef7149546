package state

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// TemplateArchive stores rendered templates that are too large to pass
// inline, and returns the URL the stack service reads them from.
type TemplateArchive struct {
	client s3API
	bucket string
	prefix string
	region string
}

// NewTemplateArchive returns an archive writing to bucket under prefix.
func NewTemplateArchive(client s3API, bucket, prefix, region string) (*TemplateArchive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("template archive requires a bucket")
	}
	if region == "" {
		region = "us-east-1"
	}
	return &TemplateArchive{client: client, bucket: bucket, prefix: prefix, region: region}, nil
}

// NewS3TemplateArchive builds the S3 client from cfg.
func NewS3TemplateArchive(cfg aws.Config, bucket, prefix string) (*TemplateArchive, error) {
	return NewTemplateArchive(s3.NewFromConfig(cfg), bucket, prefix, cfg.Region)
}

// Put uploads body under key and returns its https URL.
func (a *TemplateArchive) Put(ctx context.Context, key string, body []byte) (string, error) {
	objectKey := strings.TrimPrefix(a.prefix+key, "/")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("failed to write template to s3://%s/%s: %w", a.bucket, objectKey, err)
	}
	return a.URL(objectKey), nil
}

// URL returns the virtual-hosted style URL of objectKey.
func (a *TemplateArchive) URL(objectKey string) string {
	u := url.URL{
		Scheme: "https",
		Host:   fmt.Sprintf("%s.s3.%s.amazonaws.com", a.bucket, a.region),
		Path:   "/" + objectKey,
	}
	return u.String()
}
