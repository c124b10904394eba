package sw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// blobContentType is set on every object: entries, store markers, the
// lifecycle record and the queue slot are all JSON documents.
const blobContentType = "application/json"

// S3BlobStore keeps blobs in an S3 bucket (or any S3-compatible endpoint).
// Replicas pointed at the same bucket and prefix share stores.
type S3BlobStore struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3BlobStore creates an S3-backed blob store. prefix is prepended to
// every key.
func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{Client: client, Bucket: bucket, Prefix: prefix}
}

func (s *S3BlobStore) objectKey(key string) *string {
	return aws.String(s.Prefix + key)
}

func s3StatusCode(err error) int {
	var responseErr *smithyhttp.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.HTTPStatusCode()
	}
	return 0
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey) || s3StatusCode(err) == http.StatusNotFound
}

// isS3PreconditionFailed covers both a stale If-Match (412) and a concurrent
// conditional write that lost the race (409).
func isS3PreconditionFailed(err error) bool {
	switch s3StatusCode(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	return false
}

func s3ObjectInfo(key string, etag *string, modified *time.Time, size int64) *BlobObjectInfo {
	info := &BlobObjectInfo{Key: key, Version: aws.ToString(etag), Size: size}
	if modified != nil {
		info.UpdatedAt = modified.UTC()
	}
	return info
}

func (s *S3BlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.Bucket), Key: s.objectKey(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	return s3ObjectInfo(key, out.ETag, out.LastModified, aws.ToInt64(out.ContentLength)), nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, *BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.Bucket), Key: s.objectKey(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, s3ObjectInfo(key, out.ETag, out.LastModified, int64(len(data))), nil
}

// PutIfMatch writes data, conditioned on the current ETag when
// expectedVersion is set. A lost condition is ErrBlobVersionMismatch.
func (s *S3BlobStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           s.objectKey(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(blobContentType),
	}
	if expectedVersion != "" {
		in.IfMatch = aws.String(expectedVersion)
	}

	out, err := s.Client.PutObject(ctx, in)
	if err != nil {
		if expectedVersion != "" && isS3PreconditionFailed(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobVersionMismatch, key)
		}
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	now := time.Now()
	return s3ObjectInfo(key, out.ETag, &now, int64(len(data))), nil
}

// Delete removes key. A missing object is not an error.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.Bucket), Key: s.objectKey(key)})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// List returns every object under prefix, sorted by key, with the store
// prefix stripped.
func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]BlobObjectInfo, 0)
	pages := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: s.objectKey(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.Prefix)
			items = append(items, *s3ObjectInfo(key, obj.ETag, obj.LastModified, aws.ToInt64(obj.Size)))
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}
