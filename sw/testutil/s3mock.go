package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// MockS3 is an in-memory S3 endpoint served over HTTP, with Bucket created.
// Clients built by NewClient talk to the same backend, so several replicas
// can share one bucket in a test.
type MockS3 struct {
	Server *httptest.Server
	Client *s3.Client
	Bucket string
}

func StartMockS3(ctx context.Context, bucket string) (*MockS3, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	server := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	mock := &MockS3{Server: server, Bucket: bucket}

	client, err := mock.NewClient(ctx)
	if err != nil {
		server.Close()
		return nil, err
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		server.Close()
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	mock.Client = client
	return mock, nil
}

// NewClient returns a fresh path-style client for the mock endpoint.
func (m *MockS3) NewClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(m.Server.URL)
	}), nil
}

func (m *MockS3) Close() {
	if m != nil && m.Server != nil {
		m.Server.Close()
	}
}
