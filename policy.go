// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Container metadata keys that control image scaling.
const (
	MetaScaling    = "image-scaling"
	MetaExtensions = "image-scaling-extensions"
	MetaMaxSize    = "image-scaling-max-size"
	MetaScaleUp    = "image-scaling-upscale"
)

// DefaultMaxSourceSize is the largest object, in bytes, that is scaled when
// a container does not set MetaMaxSize.
const DefaultMaxSourceSize = 20 << 20

// DefaultExtensions lists the object extensions that are scaled when a
// container does not set MetaExtensions.
var DefaultExtensions = []string{"jpg", "png", "gif"}

// ContainerPolicy controls whether and how images in a container are scaled.
type ContainerPolicy struct {
	Enabled       bool
	Extensions    []string // lower-cased
	MaxSourceSize int64
	ScaleUp       bool
}

// ParseContainerPolicy builds a policy from container metadata.  A missing
// or false MetaScaling disables scaling.  If any value cannot be parsed, the
// returned policy is disabled along with the error.
func ParseContainerPolicy(meta map[string]string) (ContainerPolicy, error) {
	p := ContainerPolicy{
		Enabled:       truthy(meta[MetaScaling]),
		Extensions:    DefaultExtensions,
		MaxSourceSize: DefaultMaxSourceSize,
	}
	if !p.Enabled {
		return p, nil
	}

	if v, ok := meta[MetaExtensions]; ok {
		p.Extensions = parseList(v)
	}

	if v, ok := meta[MetaMaxSize]; ok {
		n, err := ParseByteSize(v)
		if err != nil {
			return ContainerPolicy{}, fmt.Errorf("invalid %s: %w", MetaMaxSize, err)
		}
		p.MaxSourceSize = n
	}

	if v, ok := meta[MetaScaleUp]; ok {
		p.ScaleUp = truthy(v)
	}

	return p, nil
}

// AllowsExtension reports whether objects with extension ext may be scaled.
// The comparison ignores case.
func (p ContainerPolicy) AllowsExtension(ext string) bool {
	return slices.Contains(p.Extensions, strings.ToLower(ext))
}

// ObjectDescriptor holds the object metadata consulted before scaling.
type ObjectDescriptor struct {
	Length      int64
	ContentType string
}

// ParseObjectDescriptor builds an ObjectDescriptor from object metadata.
// The "length" key is required.
func ParseObjectDescriptor(meta map[string]string) (ObjectDescriptor, error) {
	v, ok := meta["length"]
	if !ok {
		return ObjectDescriptor{}, errors.New("object metadata has no length")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return ObjectDescriptor{}, fmt.Errorf("invalid object length %q", v)
	}
	return ObjectDescriptor{Length: n, ContentType: meta["type"]}, nil
}

// Activation is the decision to scale a response.
type Activation struct {
	Path   Path
	Spec   ScaleSpec
	Policy ContainerPolicy
	Object ObjectDescriptor
}

// options returns the transform options for this activation.
func (a *Activation) options(quality int) Options {
	return Options{Width: a.Spec.Width, ScaleUp: a.Policy.ScaleUp, Quality: quality}
}

// innerRequest returns a copy of r suitable for fetching the whole,
// identity-encoded source image.
func (a *Activation) innerRequest(r *http.Request) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Header.Del("Range")
	r2.Header.Del("If-Range")
	r2.Header.Del("Accept-Encoding")
	return r2
}

// MetadataError reports a failed container or object metadata lookup.
type MetadataError struct {
	Op   string // "container" or "object"
	Path Path
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("%s metadata lookup for %v: %v", e.Op, e.Path, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// unavailable reports whether a lookup error means the metadata does not
// exist or is hidden from the caller.  Such requests pass through, leaving
// the backend to answer them.
func unavailable(err error) (reason string, ok bool) {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found", true
	case errors.Is(err, ErrForbidden):
		return "forbidden", true
	}
	return "", false
}

// Decide reports whether the response to r should be scaled.  It returns a
// nil Activation if scaling was not requested or is not permitted, in which
// case r should be served unmodified.  An error is returned only if a
// metadata lookup fails for a reason other than ErrNotFound or ErrForbidden.
//
// Decide has no side effects beyond logging and metrics.
func (s *Scaler) Decide(r *http.Request) (*Activation, error) {
	log := s.logger()

	if r.Method != http.MethodGet {
		passthrough("method")
		return nil, nil
	}

	p, err := SplitPath(r.URL.Path)
	if err != nil {
		passthrough("path")
		return nil, nil
	}
	log = log.With(zap.Stringer("path", p))

	size := firstNonEmpty(r.URL.Query()["size"])
	if size == "" {
		log.Debug("no image scaling requested")
		passthrough("size")
		return nil, nil
	}
	spec, err := ParseScaleSpec(size)
	if err != nil {
		log.Debug("ignoring invalid image size", zap.Error(err))
		passthrough("size")
		return nil, nil
	}

	meta, err := s.Metadata.ContainerInfo(r, p)
	if reason, ok := unavailable(err); ok {
		log.Debug("container metadata unavailable", zap.String("reason", reason))
		passthrough(reason)
		return nil, nil
	} else if err != nil {
		return nil, &MetadataError{"container", p, err}
	}

	policy, err := ParseContainerPolicy(meta)
	if err != nil {
		log.Info("invalid image scaling policy", zap.String("container", p.ContainerPath()), zap.Error(err))
		passthrough("policy")
		return nil, nil
	}
	if !policy.Enabled {
		log.Debug("image scaling not allowed, nothing to do")
		passthrough("disabled")
		return nil, nil
	}

	if ext := p.Extension(); !policy.AllowsExtension(ext) {
		log.Info("extension not allowed for image scaling", zap.String("extension", ext))
		passthrough("extension")
		return nil, nil
	}

	meta, err = s.Metadata.ObjectInfo(r, p)
	if reason, ok := unavailable(err); ok {
		log.Debug("object metadata unavailable", zap.String("reason", reason))
		passthrough(reason)
		return nil, nil
	} else if err != nil {
		return nil, &MetadataError{"object", p, err}
	}

	obj, err := ParseObjectDescriptor(meta)
	if err != nil {
		log.Info("invalid object metadata", zap.Error(err))
		passthrough("object")
		return nil, nil
	}
	if obj.Length > policy.MaxSourceSize {
		log.Info("object too large for image scaling",
			zap.String("size", humanize.IBytes(uint64(obj.Length))),
			zap.String("max", humanize.IBytes(uint64(policy.MaxSourceSize))))
		passthrough("too_large")
		return nil, nil
	}

	activationsTotal.Inc()
	return &Activation{Path: p, Spec: spec, Policy: policy, Object: obj}, nil
}

// truthy reports whether a metadata value is "true" or "1", ignoring case.
func truthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1"
}

// parseList splits a comma separated metadata value into lower-cased,
// non-empty items.
func parseList(v string) []string {
	var items []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			items = append(items, s)
		}
	}
	return items
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
