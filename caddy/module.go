// Package caddy provides the image scaler as a Caddy middleware module,
// placed in front of a reverse_proxy to a Swift endpoint.
package caddy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	caddy "github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"
	"go.uber.org/zap"
	"willnorris.com/go/imagescaler"
	"willnorris.com/go/imagescaler/swift"
)

func init() {
	caddy.RegisterModule(ImageScaler{})
	httpcaddyfile.RegisterHandlerDirective("imagescaler", parseCaddyfile)
}

type ImageScaler struct {
	// Backend is the Swift endpoint consulted for container and object
	// metadata, such as "https://swift.example.com".
	Backend string `json:"backend,omitempty"`

	Cache    string         `json:"cache,omitempty"`
	CacheTTL caddy.Duration `json:"cache_ttl,omitempty"`

	MaxBufferSize   string   `json:"max_buffer_size,omitempty"`
	FallbackOnError bool     `json:"fallback_on_error,omitempty"`
	PassHeaders     []string `json:"pass_headers,omitempty"`

	logger *zap.Logger
	scaler *imagescaler.Scaler
}

// interface guard
var (
	_ caddy.Provisioner           = (*ImageScaler)(nil)
	_ caddyhttp.MiddlewareHandler = (*ImageScaler)(nil)
)

// CaddyModule returns the Caddy module information.
func (ImageScaler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.imagescaler",
		New: func() caddy.Module { return new(ImageScaler) },
	}
}

func (p *ImageScaler) Provision(ctx caddy.Context) error {
	p.logger = ctx.Logger()
	s, err := p.newScaler()
	if err != nil {
		return err
	}
	p.scaler = s
	return nil
}

func (p *ImageScaler) newScaler() (*imagescaler.Scaler, error) {
	src, err := swift.New(p.Backend, nil, p.logger.Named("swift"))
	if err != nil {
		return nil, err
	}
	if len(p.PassHeaders) > 0 {
		src.PassHeaders = p.PassHeaders
	}

	cache, err := parseCache(p.Cache)
	if err != nil {
		return nil, err
	}
	meta := imagescaler.NewCachedMetadata(src, cache, time.Duration(p.CacheTTL))
	meta.Logger = p.logger

	s := imagescaler.New(meta, p.logger)
	s.FallbackOnError = p.FallbackOnError
	if p.MaxBufferSize != "" {
		n, err := imagescaler.ParseByteSize(p.MaxBufferSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max_buffer_size: %w", err)
		}
		s.MaxBufferSize = n
	}
	return s, nil
}

func (p *ImageScaler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	err := p.scaler.Serve(w, r, next)
	if err == nil {
		return nil
	}

	var merr *imagescaler.MetadataError
	if errors.As(err, &merr) {
		return caddyhttp.Error(http.StatusBadGateway, err)
	}
	var herr caddyhttp.HandlerError
	if errors.As(err, &herr) {
		return err
	}
	return caddyhttp.Error(http.StatusInternalServerError, err)
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	p := new(ImageScaler)

	h.Next() // consume the directive name
	for nesting := h.Nesting(); h.NextBlock(nesting); {
		switch h.Val() {
		case "backend":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.Backend = h.Val()
		case "cache":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.Cache = h.Val()
		case "cache_ttl":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			d, err := caddy.ParseDuration(h.Val())
			if err != nil {
				return nil, h.Errf("invalid cache_ttl: %v", err)
			}
			p.CacheTTL = caddy.Duration(d)
		case "max_buffer_size":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.MaxBufferSize = h.Val()
		case "fallback_on_error":
			p.FallbackOnError = true
		case "pass_headers":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			p.PassHeaders = append(p.PassHeaders, strings.Split(h.Val(), ",")...)
		default:
			return nil, h.Errf("unrecognized subdirective %q", h.Val())
		}
	}
	if p.Backend == "" {
		return nil, h.Err("imagescaler requires a backend")
	}
	return p, nil
}

// parseCache parses c returns the specified Cache implementation.
func parseCache(c string) (imagescaler.Cache, error) {
	if c == "" {
		return nil, nil
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache: %w", err)
	}

	switch u.Scheme {
	case "file":
		return diskCache(u.Path), nil
	default:
		return diskCache(c), nil
	}
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
