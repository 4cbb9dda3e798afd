// Package minio opens objects on S3 compatible stores.
package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type Params struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Secure       bool
}

func New(p Params) (*minio.Client, error) {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	opts := &minio.Options{Secure: p.Secure, Region: p.Region}
	if p.AccessKey != "" {
		opts.Creds = credentials.NewStaticV4(p.AccessKey, p.SecretKey, p.SessionToken)
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		zap.L().Error("[Minio] failed to create client", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	return client, nil
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%q is not an s3:// URI", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%q has no object key", uri)
	}
	return u.Host, key, nil
}

// Open returns the object content. It fails early when the object is missing.
func Open(ctx context.Context, c *minio.Client, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}
