// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

// Cache stores serialized container metadata between requests.  The
// interface matches httpcache.Cache, so any of its implementations (memory,
// disk, redis, lrucache, ...) can be used.
type Cache interface {
	// Get returns the data stored under key.
	Get(key string) (data []byte, ok bool)

	// Set stores data under key.
	Set(key string, data []byte)

	// Delete removes any data stored under key.
	Delete(key string)
}

// NopCache is a Cache that never stores anything.
var NopCache = new(nopCache)

type nopCache struct{}

func (c nopCache) Get(string) ([]byte, bool) { return nil, false }
func (c nopCache) Set(string, []byte)        {}
func (c nopCache) Delete(string)             {}
