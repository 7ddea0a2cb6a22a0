// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

// The imagescaler-policy tool sets or removes the image scaling metadata of
// a Swift container.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"willnorris.com/go/imagescaler"
	"willnorris.com/go/imagescaler/internal/envflag"
)

var token = flag.String("token", "", "Swift auth token, or file containing token prefixed with '@'")
var extensions = flag.String("extensions", "", "comma separated list of extensions that may be scaled")
var maxSize = flag.String("maxSize", "", "largest source object that may be scaled, such as 20MB")
var upscale = flag.Bool("upscale", false, "allow images to be scaled beyond their original width")
var disable = flag.Bool("disable", false, "remove all image scaling metadata from the container")
var dryRun = flag.Bool("n", false, "print the request headers without sending them")

// metaPrefix is the header prefix Swift uses to set container metadata.
const metaPrefix = "X-Container-Meta-"

// removePrefix is the header prefix Swift uses to remove container metadata.
const removePrefix = "X-Remove-Container-Meta-"

func main() {
	if err := envflag.Parse("IMAGESCALER", flag.CommandLine); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	flag.Parse()

	if err := run(flag.Arg(0)); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(container string) error {
	if container == "" {
		return errors.New("imagescaler-policy [flags] container-url")
	}
	u, err := url.Parse(container)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("invalid container URL: %q", container)
	}

	h, err := policyHeaders(policyFlags{
		Extensions: *extensions,
		MaxSize:    *maxSize,
		Upscale:    *upscale,
		Disable:    *disable,
	})
	if err != nil {
		return err
	}

	if *dryRun {
		printHeaders(os.Stdout, h)
		return nil
	}

	tok, err := parseToken(*token)
	if err != nil {
		return fmt.Errorf("error reading token: %w", err)
	}
	if tok != "" {
		h.Set("X-Auth-Token", tok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := setMetadata(ctx, http.DefaultClient, u.String(), h); err != nil {
		return err
	}
	fmt.Printf("updated %v\n", u)
	return nil
}

type policyFlags struct {
	Extensions string
	MaxSize    string
	Upscale    bool
	Disable    bool
}

// policyHeaders returns the Swift request headers that apply f to a
// container.  The resulting metadata is checked with
// imagescaler.ParseContainerPolicy so that a container is never given a
// policy the scaler would reject.
func policyHeaders(f policyFlags) (http.Header, error) {
	h := make(http.Header)
	keys := []string{
		imagescaler.MetaScaling,
		imagescaler.MetaExtensions,
		imagescaler.MetaMaxSize,
		imagescaler.MetaScaleUp,
	}

	if f.Disable {
		for _, k := range keys {
			h.Set(removePrefix+k, "x")
		}
		return h, nil
	}

	meta := map[string]string{
		imagescaler.MetaScaling: "true",
		imagescaler.MetaScaleUp: strconv.FormatBool(f.Upscale),
	}
	if f.Extensions != "" {
		meta[imagescaler.MetaExtensions] = f.Extensions
	}
	if f.MaxSize != "" {
		meta[imagescaler.MetaMaxSize] = f.MaxSize
	}
	if _, err := imagescaler.ParseContainerPolicy(meta); err != nil {
		return nil, err
	}

	for _, k := range keys {
		if v, ok := meta[k]; ok {
			h.Set(metaPrefix+k, v)
		} else {
			h.Set(removePrefix+k, "x")
		}
	}
	return h, nil
}

// setMetadata posts h to the container at rawURL.
func setMetadata(ctx context.Context, client *http.Client, rawURL string, h http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, nil)
	if err != nil {
		return err
	}
	for k, v := range h {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("updating container metadata: %s", resp.Status)
	}
	return nil
}

func parseToken(s string) (string, error) {
	if strings.HasPrefix(s, "@") {
		b, err := os.ReadFile(s[1:])
		return strings.TrimSpace(string(b)), err
	}
	return s, nil
}

func printHeaders(w io.Writer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, h.Get(k))
	}
}
