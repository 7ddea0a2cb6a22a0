// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

// Package s3cache provides an imagescaler.Cache that keeps container
// metadata in an Amazon S3 (or S3-compatible) bucket, so that several
// scaler instances can share it.
package s3cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

// opTimeout bounds each S3 request.
const opTimeout = 5 * time.Second

// Cache stores values as objects in an S3 bucket.  Errors are logged and
// treated as cache misses.
type Cache struct {
	s3iface.S3API
	bucket, prefix string
	logger         *zap.Logger
}

// Get implements imagescaler.Cache.
func (c *Cache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	resp, err := c.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if !errors.As(err, &aerr) || aerr.Code() != s3.ErrCodeNoSuchKey {
			c.logger.Warn("error fetching from s3", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	defer resp.Body.Close()

	value, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("error reading from s3", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return value, true
}

// Set implements imagescaler.Cache.
func (c *Cache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := c.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:        bytes.NewReader(value),
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.objectKey(key)),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		c.logger.Warn("error writing to s3", zap.String("key", key), zap.Error(err))
	}
}

// Delete implements imagescaler.Cache.
func (c *Cache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := c.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		c.logger.Warn("error deleting from s3", zap.String("key", key), zap.Error(err))
	}
}

// objectKey maps a cache key, which may contain arbitrary characters, to an
// S3 object key under the cache prefix.
func (c *Cache) objectKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return path.Join(c.prefix, hex.EncodeToString(sum[:]))
}

// New constructs a cache configured using the provided URL string, of the
// form "s3://region/bucket/optional-path-prefix".  The query parameters
// endpoint, disableSSL=1 and s3ForcePathStyle=1 configure S3-compatible
// services other than AWS.
func New(s string, logger *zap.Logger) (*Cache, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("s3cache: unsupported URL scheme %q", u.Scheme)
	}

	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3cache: no bucket in %q", s)
	}

	config := aws.NewConfig().WithRegion(u.Host)
	q := u.Query()
	if v := q.Get("endpoint"); v != "" {
		config = config.WithEndpoint(v)
	}
	if q.Get("disableSSL") == "1" {
		config = config.WithDisableSSL(true)
	}
	if q.Get("s3ForcePathStyle") == "1" {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		S3API:  s3.New(sess),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}
