// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

// imagescaler starts an HTTP server that proxies requests to an OpenStack
// Swift endpoint, scaling images for containers that allow it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PaulARoy/azurestoragecache"
	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	"github.com/dustin/go-humanize"
	aia "github.com/fcjr/aia-transport-go"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/peterbourgon/diskv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"willnorris.com/go/imagescaler"
	"willnorris.com/go/imagescaler/internal/envflag"
	"willnorris.com/go/imagescaler/internal/gcscache"
	"willnorris.com/go/imagescaler/internal/s3cache"
	"willnorris.com/go/imagescaler/swift"
)

// default size of in-memory cache, in megabytes
const defaultMemorySize = 10

var addr = flag.String("addr", "localhost:8080", "TCP address to listen on")
var backend = flag.String("backend", "http://localhost:8081", "URL of the Swift endpoint to proxy")
var cacheTTL = flag.Duration("cacheTTL", imagescaler.DefaultCacheTTL, "how long to cache container metadata")
var fallback = flag.Bool("fallback", false, "serve the original image if it cannot be scaled")
var passHeaders = flag.String("passHeaders", "X-Auth-Token", "comma separated list of request headers to pass on metadata requests")
var quality = flag.Int("quality", 0, "jpeg quality of scaled images (default 95)")
var timeout = flag.Duration("timeout", 0, "time limit for requests served by this proxy")
var verbose = flag.Bool("verbose", false, "print verbose logging messages")
var cache tieredCache
var maxBufferSize byteSize

func init() {
	flag.Var(&cache, "cache", "where to cache container metadata: memory[:size[:maxAge]], a directory, file://, redis://, s3://, gcs://, or azure:// (space separated for tiers)")
	flag.Var(&maxBufferSize, "maxBufferSize", "largest image to buffer for scaling, such as 20MB (default unlimited)")
}

func main() {
	if err := envflag.Parse("IMAGESCALER", flag.CommandLine); err != nil {
		log.Fatal(err)
	}
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatalf("error creating logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	backendURL, err := url.Parse(*backend)
	if err != nil {
		logger.Fatal("error parsing backend URL", zap.Error(err))
	}

	transport, err := aia.NewTransport()
	if err != nil {
		logger.Fatal("error creating transport", zap.Error(err))
	}

	src, err := swift.New(*backend, &http.Client{Transport: transport}, logger.Named("swift"))
	if err != nil {
		logger.Fatal("error configuring metadata source", zap.Error(err))
	}
	if *passHeaders != "" {
		src.PassHeaders = strings.Split(*passHeaders, ",")
	}

	c, err := cache.build(logger)
	if err != nil {
		logger.Fatal("error configuring cache", zap.Error(err))
	}
	meta := imagescaler.NewCachedMetadata(src, c, *cacheTTL)
	meta.Logger = logger.Named("cache")

	scaler := imagescaler.New(meta, logger)
	scaler.MaxBufferSize = int64(maxBufferSize)
	scaler.FallbackOnError = *fallback
	scaler.Quality = *quality

	proxy := httputil.NewSingleHostReverseProxy(backendURL)
	proxy.Transport = transport
	proxy.ErrorLog = zap.NewStdLog(logger.Named("proxy"))

	var h http.Handler = scaler.Middleware(proxy)
	if *timeout > 0 {
		h = http.TimeoutHandler(h, *timeout, "Gateway timeout waiting for backend")
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/").Handler(h)

	server := &http.Server{
		Addr:    *addr,
		Handler: r,

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("imagescaler listening", zap.String("addr", server.Addr), zap.String("backend", backendURL.String()))
	logger.Fatal("server stopped", zap.Error(server.ListenAndServe()))
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// byteSize is a flag.Value holding a number of bytes, parsed with units
// such as "10MB" or "2 GiB".
type byteSize int64

func (b *byteSize) String() string {
	if *b <= 0 {
		return ""
	}
	return humanize.IBytes(uint64(*b))
}

func (b *byteSize) Set(value string) error {
	n, err := imagescaler.ParseByteSize(value)
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

// tieredCache allows specifying multiple caches via flags, which will create
// tiered caches using the twotier package.  Flag values are only
// parsed by build, once logging is configured.
type tieredCache struct {
	specs []string
}

func (tc *tieredCache) String() string {
	return strings.Join(tc.specs, " ")
}

func (tc *tieredCache) Set(value string) error {
	tc.specs = append(tc.specs, strings.Fields(value)...)
	return nil
}

func (tc *tieredCache) build(logger *zap.Logger) (imagescaler.Cache, error) {
	var c imagescaler.Cache
	for _, spec := range tc.specs {
		next, err := parseCache(spec, logger)
		if err != nil {
			return nil, err
		}
		if c == nil {
			c = next
		} else {
			c = twotier.New(c, next)
		}
	}
	return c, nil
}

// parseCache parses c returns the specified Cache implementation.
func parseCache(c string, logger *zap.Logger) (imagescaler.Cache, error) {
	if c == "" {
		return nil, nil
	}

	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache flag: %w", err)
	}

	switch u.Scheme {
	case "azure":
		return azurestoragecache.New("", "", u.Host)
	case "gcs":
		return gcscache.New(context.Background(), u.Host, strings.TrimPrefix(u.Path, "/"), logger.Named("gcscache"))
	case "memory":
		return lruCache(u.Opaque)
	case "redis":
		conn, err := redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err != nil {
			return nil, err
		}
		return rediscache.NewWithClient(conn), nil
	case "s3":
		return s3cache.New(u.String(), logger.Named("s3cache"))
	case "file":
		return diskCache(u.Path), nil
	default:
		return diskCache(c), nil
	}
}

// lruCache creates an LRU Cache with the specified options of the form
// "maxSize:maxAge".  maxSize is specified in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	size, age, _ := strings.Cut(options, ":")
	mb, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid memory cache size %q: %w", size, err)
	}

	var maxAge time.Duration
	if age != "" {
		if maxAge, err = time.ParseDuration(age); err != nil {
			return nil, fmt.Errorf("invalid memory cache age %q: %w", age, err)
		}
	}

	return lrucache.New(mb*1e6, int64(maxAge.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
