package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const presignExpiry = 5 * time.Minute

// S3Signer issues pre-signed upload and download URLs so photo bytes
// bypass the record store entirely.
type S3Signer struct {
	client *s3.Client
	bucket string
}

// NewS3Signer builds an S3 client for the asset bucket. A custom endpoint
// supports S3-compatible providers; disableSSL serves that endpoint over
// plain HTTP.
func NewS3Signer(ctx context.Context, region, bucket, accessKey, secretKey, endpoint string, disableSSL bool) (*S3Signer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(endpoint, disableSSL))
			o.UsePathStyle = true
		}
	})

	return &S3Signer{client: client, bucket: bucket}, nil
}

// endpointURL normalizes a configured endpoint to a full URL. Bare
// host:port values get a scheme based on the SSL setting; local
// S3-compatible stores usually run plain HTTP.
func endpointURL(endpoint string, disableSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if disableSSL {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// PresignUpload returns a URL the device PUTs the asset bytes to.
func (s *S3Signer) PresignUpload(ctx context.Context, key string) (string, error) {
	presigner := s3.NewPresignClient(s.client)
	request, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("image/jpeg"),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = presignExpiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to pre-sign upload: %w", err)
	}
	return request.URL, nil
}

// PresignDownload returns a URL the device GETs the asset bytes from.
func (s *S3Signer) PresignDownload(ctx context.Context, key string) (string, error) {
	presigner := s3.NewPresignClient(s.client)
	request, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = presignExpiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to pre-sign download: %w", err)
	}
	return request.URL, nil
}

// AssetKey builds the object key for a zone-scoped asset.
func AssetKey(zone, id string) string {
	return fmt.Sprintf("%s/%s.jpg", zone, id)
}
