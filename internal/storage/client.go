package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxFetchBytes = 32 << 20

var ErrObjectNotFound = errors.New("object not found")

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// PublicURL overrides the scheme://host used in returned object URLs.
	PublicURL string
}

type Client struct {
	minio      *minio.Client
	bucket     string
	baseURL    *url.URL
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	base := mc.EndpointURL()
	if strings.TrimSpace(cfg.PublicURL) != "" {
		base, err = url.Parse(strings.TrimRight(cfg.PublicURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse public url: %w", err)
		}
	}

	return &Client{
		minio:      mc,
		bucket:     cfg.Bucket,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return nil
}

// Put stores data under key and returns the object URL.
func (c *Client) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	key = strings.TrimLeft(key, "/")
	_, err := c.minio.PutObject(
		ctx,
		c.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return c.ObjectURL(key), nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := c.get(ctx, strings.TrimLeft(key, "/"))
	return data, err
}

// Fetch reads an image by reference. References that point into the bucket are
// read through the object API; anything else is downloaded over HTTP.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	if key, ok := c.KeyForURL(ref); ok {
		return c.get(ctx, key)
	}
	return c.download(ctx, ref)
}

func (c *Client) ObjectURL(key string) string {
	u := *c.baseURL
	u.Path = "/" + c.bucket + "/" + strings.TrimLeft(key, "/")
	return u.String()
}

// KeyForURL extracts the object key from a URL produced by ObjectURL.
func (c *Client) KeyForURL(ref string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || !strings.EqualFold(u.Host, c.baseURL.Host) {
		return "", false
	}
	prefix := "/" + c.bucket + "/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(u.Path, prefix)
	if key == "" {
		return "", false
	}
	return key, true
}

func (c *Client) get(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
			return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, "", fmt.Errorf("stat object %s: %w", key, err)
	}

	data, err := io.ReadAll(io.LimitReader(obj, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", key, err)
	}
	return data, info.ContentType, nil
}

func (c *Client) download(ctx context.Context, ref string) ([]byte, string, error) {
	return HTTPFetcher{Client: c.httpClient}.Fetch(ctx, ref)
}
