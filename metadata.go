// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned by a MetadataSource when the container or object
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned by a MetadataSource when the caller may not read
// the container or object metadata.  Callers may still be allowed to read
// the object itself, as with public containers.
var ErrForbidden = errors.New("forbidden")

// A MetadataSource resolves container and object metadata for a request.
//
// ContainerInfo returns the container's user metadata with lower-cased keys
// (for example "image-scaling").  ObjectInfo returns at least "length", the
// object size in bytes, and may include "type" and "etag".  The inbound
// request is provided so implementations can forward credentials and honor
// its context.
type MetadataSource interface {
	ContainerInfo(r *http.Request, p Path) (map[string]string, error)
	ObjectInfo(r *http.Request, p Path) (map[string]string, error)
}

// MetadataFuncs adapts a pair of functions to the MetadataSource interface.
type MetadataFuncs struct {
	Container func(r *http.Request, p Path) (map[string]string, error)
	Object    func(r *http.Request, p Path) (map[string]string, error)
}

// ContainerInfo implements MetadataSource by calling f.Container.
func (f MetadataFuncs) ContainerInfo(r *http.Request, p Path) (map[string]string, error) {
	return f.Container(r, p)
}

// ObjectInfo implements MetadataSource by calling f.Object.
func (f MetadataFuncs) ObjectInfo(r *http.Request, p Path) (map[string]string, error) {
	return f.Object(r, p)
}

// DefaultCacheTTL is how long container metadata is cached when a
// CachedMetadata has no TTL set.
const DefaultCacheTTL = 60 * time.Second

// CachedMetadata is a MetadataSource that keeps container metadata from an
// underlying source in a Cache.  Object metadata is always read from the
// underlying source, since objects are overwritten far more often than
// container policy changes.
type CachedMetadata struct {
	Source MetadataSource
	Cache  Cache
	TTL    time.Duration
	Logger *zap.Logger

	now func() time.Time // for testing
}

type cachedInfo struct {
	Meta    map[string]string `json:"meta"`
	Expires time.Time         `json:"expires"`
}

// NewCachedMetadata returns a CachedMetadata storing container metadata from
// src in c for ttl.
func NewCachedMetadata(src MetadataSource, c Cache, ttl time.Duration) *CachedMetadata {
	return &CachedMetadata{Source: src, Cache: c, TTL: ttl}
}

// ContainerInfo implements MetadataSource.
func (c *CachedMetadata) ContainerInfo(r *http.Request, p Path) (map[string]string, error) {
	key := "container:" + p.ContainerPath()
	now := time.Now
	if c.now != nil {
		now = c.now
	}

	if b, ok := c.cache().Get(key); ok {
		var info cachedInfo
		if err := json.Unmarshal(b, &info); err != nil {
			c.logger().Warn("discarding unreadable cached container metadata", zap.String("key", key), zap.Error(err))
			c.cache().Delete(key)
		} else if now().Before(info.Expires) {
			return info.Meta, nil
		}
	}

	meta, err := c.Source.ContainerInfo(r, p)
	if err != nil {
		return nil, err
	}

	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	b, err := json.Marshal(cachedInfo{Meta: meta, Expires: now().Add(ttl)})
	if err != nil {
		return nil, err
	}
	c.cache().Set(key, b)

	return meta, nil
}

// ObjectInfo implements MetadataSource.
func (c *CachedMetadata) ObjectInfo(r *http.Request, p Path) (map[string]string, error) {
	return c.Source.ObjectInfo(r, p)
}

func (c *CachedMetadata) cache() Cache {
	if c.Cache == nil {
		return NopCache
	}
	return c.Cache
}

func (c *CachedMetadata) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
