package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	appconfig "github.com/richinsley/comfy2go-worker/internal/config"
)

const presignExpiry = 7 * 24 * time.Hour

type S3Uploader struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// BucketEndpoint is a parsed BUCKET_ENDPOINT_URL
type BucketEndpoint struct {
	Endpoint  string
	Bucket    string
	Region    string
	PathStyle bool
}

// ParseBucketEndpoint splits a virtual-hosted bucket URL such as
// https://my-bucket.s3.us-west-2.amazonaws.com into endpoint and bucket. When bucket is
// given explicitly the URL is used as-is with path-style addressing.
func ParseBucketEndpoint(raw string, bucket string, defaultRegion string) (BucketEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return BucketEndpoint{}, fmt.Errorf("invalid bucket endpoint url: %w", err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return BucketEndpoint{}, fmt.Errorf("invalid bucket endpoint url: %q", raw)
	}

	ep := BucketEndpoint{Region: defaultRegion}
	host := u.Hostname()

	if bucket != "" {
		ep.Endpoint = u.Scheme + "://" + u.Host
		ep.Bucket = bucket
		ep.PathStyle = true
	} else {
		first, rest, ok := strings.Cut(host, ".")
		if !ok || first == "" || rest == "" {
			return BucketEndpoint{}, fmt.Errorf("bucket endpoint url %q does not name a bucket; set BUCKET_NAME", raw)
		}
		ep.Bucket = first
		ep.Endpoint = u.Scheme + "://" + rest
		if port := u.Port(); port != "" {
			ep.Endpoint += ":" + port
		}
		host = rest
	}

	// s3.<region>.amazonaws.com carries its own region
	labels := strings.Split(host, ".")
	if len(labels) == 4 && labels[0] == "s3" && labels[2] == "amazonaws" {
		ep.Region = labels[1]
	}
	return ep, nil
}

func NewS3Uploader(ctx context.Context, cfg appconfig.Config) (*S3Uploader, error) {
	ep, err := ParseBucketEndpoint(cfg.BucketEndpointURL, cfg.BucketName, cfg.BucketRegion)
	if err != nil {
		return nil, err
	}

	slog.Info("initializing S3 uploader",
		"endpoint", ep.Endpoint,
		"bucket", ep.Bucket,
		"region", ep.Region,
		"path_style", ep.PathStyle)

	opts := []func(*config.LoadOptions) error{config.WithRegion(ep.Region)}
	if cfg.BucketAccessKeyID != "" && cfg.BucketSecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.BucketAccessKeyID,
			cfg.BucketSecretAccessKey,
			"",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(ep.Endpoint)
		o.UsePathStyle = ep.PathStyle
	})

	return &S3Uploader{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  ep.Bucket,
		expiry:  presignExpiry,
	}, nil
}

// ObjectKey places a job's outputs under a prefix named after the job
func ObjectKey(jobID string, filename string) string {
	return path.Join(jobID, path.Base(filename))
}

func (s *S3Uploader) UploadImage(ctx context.Context, jobID string, filename string, data []byte) (string, error) {
	key := ObjectKey(jobID, filename)
	contentType := mimetype.Detect(data).String()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file to S3: %w", err)
	}

	request, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to create presigned URL: %w", err)
	}

	slog.Info("file uploaded to S3", "key", key, "bucket", s.bucket, "size", len(data), "content_type", contentType)
	return request.URL, nil
}
