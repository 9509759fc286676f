package shopquery

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewMinIOBackend creates a document backend on MinIO.
// MinIO is S3-compatible, so this is an S3Backend with path-style addressing.
//
// cfg.Endpoint is a host:port or a full URL; UseSSL picks the scheme for the former.
func NewMinIOBackend(cfg DocumentConfig) (*S3Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Documents.Endpoint/Bucket",
			"reason": "MinIO requires an endpoint and a bucket",
		})
	}
	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1" // MinIO doesn't enforce regions, but the SDK requires one
	}

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	})
	return NewS3Backend(client, cfg.Bucket), nil
}
