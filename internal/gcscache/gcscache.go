// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

// Package gcscache provides an imagescaler.Cache that keeps container
// metadata in a Google Cloud Storage bucket.
package gcscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

const opTimeout = 5 * time.Second

// objectHandle is the subset of *storage.ObjectHandle used by Cache.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
	Delete(ctx context.Context) error
}

// bucketHandle is the subset of *storage.BucketHandle used by Cache.
type bucketHandle interface {
	Object(name string) objectHandle
}

// Cache stores values as objects in a GCS bucket.  Errors are logged and
// treated as cache misses.
type Cache struct {
	bucket bucketHandle
	prefix string
	logger *zap.Logger
}

// Get implements imagescaler.Cache.  Empty objects are treated as misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r, err := c.object(key).NewReader(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			c.logger.Warn("error reading from gcs", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	defer r.Close()

	value, err := io.ReadAll(r)
	if err != nil {
		c.logger.Warn("error reading from gcs", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if len(value) == 0 {
		return nil, false
	}
	return value, true
}

// Set implements imagescaler.Cache.
func (c *Cache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	w := c.object(key).NewWriter(ctx)
	if _, err := w.Write(value); err != nil {
		c.logger.Warn("error writing to gcs", zap.String("key", key), zap.Error(err))
	}
	if err := w.Close(); err != nil {
		c.logger.Warn("error closing gcs object writer", zap.String("key", key), zap.Error(err))
	}
}

// Delete implements imagescaler.Cache.
func (c *Cache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		c.logger.Warn("error deleting gcs object", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) object(key string) objectHandle {
	return c.bucket.Object(objectName(c.prefix, key))
}

// objectName maps a cache key to an object name under prefix.
func objectName(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	return path.Join(prefix, hex.EncodeToString(sum[:]))
}

// New constructs a Cache storing objects in the named GCS bucket.  If prefix
// is not empty, object names are prefixed with that path.  Credentials are
// found using Application Default Credentials.
func New(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*Cache, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return NewWithBucket(gcsBucket{client.Bucket(bucket)}, prefix, logger), nil
}

// NewWithBucket constructs a Cache using an existing bucket handle.
func NewWithBucket(bucket bucketHandle, prefix string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{bucket: bucket, prefix: prefix, logger: logger}
}

// gcsBucket adapts *storage.BucketHandle to bucketHandle.
type gcsBucket struct {
	*storage.BucketHandle
}

func (b gcsBucket) Object(name string) objectHandle {
	return gcsObject{b.BucketHandle.Object(name)}
}

// gcsObject adapts *storage.ObjectHandle to objectHandle.
type gcsObject struct {
	*storage.ObjectHandle
}

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.ObjectHandle.NewReader(ctx)
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.ObjectHandle.NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}
