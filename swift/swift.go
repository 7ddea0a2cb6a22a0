// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

// Package swift resolves container and object metadata from an OpenStack
// Swift endpoint, for use as an imagescaler.MetadataSource.
package swift

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"willnorris.com/go/imagescaler"
)

const containerMetaPrefix = "X-Container-Meta-"

// DefaultPassHeaders are the inbound request headers forwarded on metadata
// requests when Client.PassHeaders is nil.
var DefaultPassHeaders = []string{"X-Auth-Token"}

// Client looks up metadata with HEAD requests against a Swift endpoint.
type Client struct {
	// Client is used to make requests.  If nil, http.DefaultClient is used.
	Client *http.Client

	// BaseURL is the Swift endpoint that paths are resolved against, for
	// example "http://127.0.0.1:8080".
	BaseURL *url.URL

	// PassHeaders lists inbound request headers copied to metadata
	// requests.  If nil, DefaultPassHeaders is used.
	PassHeaders []string

	Logger *zap.Logger
}

// New returns a Client for the Swift endpoint at baseURL.
func New(baseURL string, client *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing swift base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("swift base URL %q must be absolute", baseURL)
	}
	return &Client{Client: client, BaseURL: u, Logger: logger}, nil
}

// ContainerInfo returns the user metadata of the container holding p, keyed
// by lower-cased name with the X-Container-Meta- prefix removed.
func (c *Client) ContainerInfo(r *http.Request, p imagescaler.Path) (map[string]string, error) {
	h, err := c.head(r, p.ContainerPath())
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string)
	for k, v := range h {
		if len(v) == 0 || !strings.HasPrefix(k, containerMetaPrefix) {
			continue
		}
		meta[strings.ToLower(strings.TrimPrefix(k, containerMetaPrefix))] = v[0]
	}
	return meta, nil
}

// ObjectInfo returns the length, type and etag of the object at p.
func (c *Client) ObjectInfo(r *http.Request, p imagescaler.Path) (map[string]string, error) {
	h, err := c.head(r, p.String())
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string)
	if v := h.Get("Content-Length"); v != "" {
		meta["length"] = v
	}
	if v := h.Get("Content-Type"); v != "" {
		meta["type"] = v
	}
	if v := h.Get("Etag"); v != "" {
		meta["etag"] = strings.Trim(v, `"`)
	}
	return meta, nil
}

func (c *Client) head(r *http.Request, p string) (http.Header, error) {
	u := *c.BaseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + p
	u.RawPath = ""
	req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, u.String(), nil)
	if err != nil {
		return nil, err
	}

	keys := c.PassHeaders
	if keys == nil {
		keys = DefaultPassHeaders
	}
	for _, k := range keys {
		if v := r.Header.Values(k); len(v) > 0 {
			req.Header[http.CanonicalHeaderKey(k)] = v
		}
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.logger().Debug("swift metadata request", zap.String("url", u.String()), zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, imagescaler.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("HEAD %s: %s: %w", p, resp.Status, imagescaler.ErrForbidden)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("HEAD %s: unexpected status %s", p, resp.Status)
	}

	// some servers omit Content-Length on HEAD responses
	h := resp.Header.Clone()
	if h.Get("Content-Length") == "" && resp.ContentLength >= 0 {
		h.Set("Content-Length", fmt.Sprint(resp.ContentLength))
	}
	return h, nil
}

func (c *Client) client() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
