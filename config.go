// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DefaultLogName is the logger name used when no log_name is configured.
const DefaultLogName = "image-scaler"

// FilterFactory builds scaling middleware from string configuration, in the
// manner of a proxy pipeline's filter factory.  Values in local override
// those in global.  Recognized keys:
//
//	log_name           logger name (default "image-scaler")
//	log_level          zap level: debug, info, warn, error (default info)
//	max_buffer_size    largest body buffered for scaling, e.g. "10MB" (default unlimited)
//	fallback_on_error  serve the original image if scaling fails (default false)
//
// Unknown keys are ignored.
func FilterFactory(meta MetadataSource, global, local map[string]string) (func(http.Handler) http.Handler, error) {
	conf := make(map[string]string, len(global)+len(local))
	for k, v := range global {
		conf[k] = v
	}
	for k, v := range local {
		conf[k] = v
	}

	logger, err := newLogger(conf["log_name"], conf["log_level"])
	if err != nil {
		return nil, err
	}

	s := New(meta, logger)
	if v := strings.TrimSpace(conf["max_buffer_size"]); v != "" {
		n, err := ParseByteSize(v)
		if err != nil {
			return nil, fmt.Errorf("invalid max_buffer_size: %w", err)
		}
		s.MaxBufferSize = n
	}
	s.FallbackOnError = truthy(conf["fallback_on_error"])

	return s.Middleware, nil
}

// ParseByteSize parses a byte count such as "20MB" or "2 MiB" that must fit
// in an int64.
func ParseByteSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}

func newLogger(name, level string) (*zap.Logger, error) {
	if name == "" {
		name = DefaultLogName
	}
	if level == "" {
		level = "info"
	}

	lvl, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name), nil
}
