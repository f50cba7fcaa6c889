package deploy

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultS3Region = "us-east-1"

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Transport serves s3://bucket/key sources. The validation token is the
// object's ETag.
type S3Transport struct {
	client *s3.Client
}

func NewS3Transport(cfg S3Config) *S3Transport {
	region := cfg.Region
	if region == "" {
		region = DefaultS3Region
	}

	opts := s3.Options{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}

	return &S3Transport{client: s3.New(opts)}
}

func (t *S3Transport) Marker(ctx context.Context, u *url.URL, head bool) (string, error) {
	bucket, key, err := s3Location(u)
	if err != nil {
		return "", err
	}

	if head {
		out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: &bucket,
			Key:    &key,
		})
		if err != nil {
			return "", fmt.Errorf("%w: head %q: %w", ErrNetwork, u.String(), err)
		}
		return aws.ToString(out.ETag), nil
	}

	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("%w: get %q: %w", ErrNetwork, u.String(), err)
	}
	out.Body.Close()
	return aws.ToString(out.ETag), nil
}

func (t *S3Transport) Fetch(ctx context.Context, u *url.URL, w io.Writer) (string, error) {
	bucket, key, err := s3Location(u)
	if err != nil {
		return "", err
	}

	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("%w: get %q: %w", ErrNetwork, u.String(), err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return "", fmt.Errorf("%w: read %q: %w", ErrNetwork, u.String(), err)
	}
	return aws.ToString(out.ETag), nil
}

func s3Location(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: s3 url %q needs a bucket and a key", ErrValidation, u.String())
	}
	return bucket, key, nil
}
