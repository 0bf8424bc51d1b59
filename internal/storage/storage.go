// Package storage contains object storage abstractions for S3-compatible stores.
// The ingestion core only asks whether a reference exists and hands the
// extraction service a presigned URL; it never reads file bytes itself.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by Stat when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// PutObjectOptions define optional parameters for uploading objects.
// Size should be the exact number of bytes if known; if unknown, set to -1 and the implementation
// will buffer/chunk as supported by the backend.
type PutObjectOptions struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo contains basic information about an object in storage.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// MetadataValue looks up user metadata case-insensitively, trying names in order.
func (o ObjectInfo) MetadataValue(names ...string) (string, bool) {
	for _, name := range names {
		for k, v := range o.Metadata {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	return "", false
}

// Storage is an S3-compatible object storage client bound to one bucket.
type Storage interface {
	// Bucket is the bucket every key is resolved against.
	Bucket() string
	// Put uploads an object under the given key using the provided reader and options.
	Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error)
	// Stat resolves a reference without reading content. Missing keys yield ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Delete removes an object by key.
	Delete(ctx context.Context, key string) error
	// PresignGet returns a time-limited URL that can be used to download the object without credentials.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
