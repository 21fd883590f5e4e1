// Package objectstore uploads result files to an S3-compatible bucket.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jo-hoe/docmark/internal/config"
)

const awsEndpoint = "s3.amazonaws.com"

// Client puts objects into one bucket and returns their public URLs.
type Client struct {
	mc         *minio.Client
	bucket     string
	region     string
	endpoint   string // as configured, empty for AWS
	secure     bool
	publicBase string
	acl        string
}

// New builds a client from configuration. The caller decides whether remote
// mode is on; New only fails on malformed settings.
func New(cfg config.StorageConfig) (*Client, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.SSL())
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &Client{
		mc:         mc,
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		secure:     secure,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		acl:        cfg.ACL,
	}, nil
}

// Put uploads r under key and returns the object's public URL.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if c.acl != "" && c.acl != "none" {
		opts.UserMetadata = map[string]string{"x-amz-acl": c.acl}
	}
	if _, err := c.mc.PutObject(ctx, c.bucket, key, r, size, opts); err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", c.bucket, key, err)
	}
	return c.URL(key), nil
}

// URL returns the public address of key.
func (c *Client) URL(key string) string {
	escaped := escapeKey(key)
	switch {
	case c.publicBase != "":
		return c.publicBase + "/" + escaped
	case c.endpoint != "":
		scheme := "http"
		if c.secure {
			scheme = "https"
		}
		host, _, _ := splitEndpoint(c.endpoint, c.secure)
		return fmt.Sprintf("%s://%s/%s/%s", scheme, host, c.bucket, escaped)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, escaped)
	}
}

// Bucket names the target bucket.
func (c *Client) Bucket() string { return c.bucket }

// Endpoint names the configured endpoint, or the AWS default.
func (c *Client) Endpoint() string {
	if c.endpoint == "" {
		return awsEndpoint
	}
	return c.endpoint
}

// Ping checks that the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", c.bucket)
	}
	return nil
}

// splitEndpoint accepts "host:port" or a full URL and returns the host part.
// A scheme in the URL overrides the useSSL setting.
func splitEndpoint(endpoint string, secure bool) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return awsEndpoint, true, nil
	}
	if !strings.Contains(endpoint, "://") {
		return strings.TrimRight(endpoint, "/"), secure, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("invalid storage endpoint %q", endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
