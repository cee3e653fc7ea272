package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/weftwork/weft/pkg/schema"
)

// ObjectConfig configures the S3-compatible backend.
type ObjectConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"useSSL"`
}

func (c ObjectConfig) validate() error {
	if c.Endpoint == "" {
		return schema.NewError(schema.ErrCodeValidation, "artifact endpoint is required")
	}
	if c.Bucket == "" {
		return schema.NewError(schema.ErrCodeValidation, "artifact bucket is required")
	}
	return nil
}

// ObjectStore is a Store backed by any S3-compatible object service.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore builds the client and makes sure the bucket exists.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "connect artifact store").WithCause(err)
	}
	s := &ObjectStore{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ObjectStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "check bucket %s", s.bucket).WithCause(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create bucket %s", s.bucket).WithCause(err)
	}
	return nil
}

// Put uploads data and returns the reference to store in its place.
func (s *ObjectStore) Put(ctx context.Context, tenantID, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(tenantID, key),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "put artifact %s", key).WithCause(err)
	}
	return Ref(s.bucket, tenantID, key), nil
}

// Get downloads a previously offloaded payload.
func (s *ObjectStore) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(tenantID, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get artifact %s", key).WithCause(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "artifact %s not found", key)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read artifact %s", key).WithCause(err)
	}
	return data, nil
}

// Delete removes an offloaded payload. Missing objects are not an error.
func (s *ObjectStore) Delete(ctx context.Context, tenantID, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(tenantID, key), minio.RemoveObjectOptions{})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete artifact %s", key).WithCause(err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
