// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

// Package imagescaler provides middleware for an object storage proxy that
// scales image objects on the fly.
//
// A GET request for an object such as /v1/account/container/photo.jpg?size=100
// is answered with the image scaled to 100 pixels wide, provided the
// container's metadata enables scaling (see ContainerPolicy).  All other
// requests pass through untouched.  Scaled images are computed on every
// request; nothing is written back to storage.
package imagescaler // import "willnorris.com/go/imagescaler"

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// A Handler responds to an HTTP request, returning any error it did not
// write to the response itself.  caddyhttp.Handler satisfies this interface.
type Handler interface {
	ServeHTTP(http.ResponseWriter, *http.Request) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// ServeHTTP calls f(w, r).
func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Scaler scales image responses according to per-container policy.
type Scaler struct {
	// Metadata resolves container and object metadata.
	Metadata MetadataSource

	// Logger receives debug and info messages about scaling decisions.
	// If nil, nothing is logged.
	Logger *zap.Logger

	// Transform rescales images.  If nil, the package-level Transform is
	// used.
	Transform TransformFunc

	// MaxBufferSize limits how many bytes of a response body are buffered
	// for scaling.  Larger responses are served unmodified.  Zero means no
	// limit.
	MaxBufferSize int64

	// FallbackOnError serves the original image when it cannot be scaled,
	// rather than failing the request.
	FallbackOnError bool

	// Quality of scaled jpeg images.  Zero uses the default of 95.
	Quality int
}

// New constructs a new Scaler using meta to look up container and object
// metadata.
func New(meta MetadataSource, logger *zap.Logger) *Scaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scaler{
		Metadata:  meta,
		Logger:    logger,
		Transform: Transform,
	}
}

// Serve handles r, calling next either directly or, if the response should
// be scaled, with a ResponseWriter that scales the response before it is
// written to w.
//
// Errors returned by next are returned as-is.  Metadata lookup failures are
// returned as a *MetadataError, and images that cannot be scaled as other
// errors; in both cases nothing has been written to w.
func (s *Scaler) Serve(w http.ResponseWriter, r *http.Request, next Handler) error {
	act, err := s.Decide(r)
	if err != nil {
		return err
	}
	if act == nil {
		return next.ServeHTTP(w, r)
	}

	sw := newScalingWriter(w, s, act)
	if err := next.ServeHTTP(sw, act.innerRequest(r)); err != nil {
		sw.release()
		return err
	}
	return sw.finish()
}

// Middleware returns an http.Handler that serves requests with next, scaling
// image responses where requested and permitted.
func (s *Scaler) Middleware(next http.Handler) http.Handler {
	inner := HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		next.ServeHTTP(w, r)
		return nil
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.Serve(w, r, inner)
		if err == nil {
			return
		}

		code := http.StatusInternalServerError
		if errors.As(err, new(*MetadataError)) {
			code = http.StatusBadGateway
		}
		s.logger().Error("error serving image", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(code), code)
	})
}

// scale transforms src for act and updates the Content-Length and, if the
// image format changed, Content-Type values in h to describe the result.
func (s *Scaler) scale(src []byte, act *Activation, h http.Header) ([]byte, error) {
	opt := act.options(s.Quality)

	start := time.Now()
	out, ct, err := s.transform()(src, opt)
	imageTransformationSummary.Observe(time.Since(start).Seconds())
	if err != nil {
		transformErrors.Inc()
		return nil, fmt.Errorf("scaling %v to %v: %w", act.Path, opt, err)
	}

	s.logger().Debug("scaled image",
		zap.Stringer("path", act.Path),
		zap.Stringer("size", act.Spec),
		zap.Int("source_bytes", len(src)),
		zap.Int("scaled_bytes", len(out)))

	if ct != "" && ct != http.DetectContentType(src) {
		h.Set("Content-Type", ct)
	}
	h.Set("Content-Length", strconv.Itoa(len(out)))
	return out, nil
}

func (s *Scaler) transform() TransformFunc {
	if s.Transform == nil {
		return Transform
	}
	return s.Transform
}

func (s *Scaler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// copyHeader copies values for specified headers from src to dst, adding to
// any existing values with the same header name.  If keys is empty, all
// headers are copied.
func copyHeader(dst, src http.Header, keys ...string) {
	if len(keys) == 0 {
		for k := range src {
			keys = append(keys, k)
		}
	}
	for _, key := range keys {
		k := http.CanonicalHeaderKey(key)
		for _, v := range src[k] {
			dst.Add(k, v)
		}
	}
}
