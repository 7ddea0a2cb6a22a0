// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// TransformingTransport is an implementation of http.RoundTripper that
// scales image responses for requests its Scaler activates on.  It suits
// hosts that fetch objects with an http.Client rather than serving them
// through an http.Handler.
type TransformingTransport struct {
	// Transport is the underlying http.RoundTripper used to fetch objects.
	// If nil, http.DefaultTransport is used.
	Transport http.RoundTripper

	Scaler *Scaler
}

var errBufferLimit = errors.New("response body exceeds buffer limit")

// RoundTrip implements the http.RoundTripper interface.
func (t *TransformingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	act, err := t.Scaler.Decide(req)
	if err != nil {
		return nil, err
	}
	if act == nil {
		return t.transport().RoundTrip(req)
	}

	resp, err := t.transport().RoundTrip(act.innerRequest(req))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		passthroughTotal.WithLabelValues("status").Inc()
		return resp, nil
	}

	b, err := readBody(resp.Body, t.Scaler.MaxBufferSize)
	if errors.Is(err, errBufferLimit) {
		t.Scaler.logger().Info("image exceeds buffer limit, serving original",
			zap.Stringer("path", act.Path), zap.Int64("limit", t.Scaler.MaxBufferSize))
		passthroughTotal.WithLabelValues("buffer_limit").Inc()
		resp.Body = prefixedBody{io.MultiReader(bytes.NewReader(b), resp.Body), resp.Body}
		return resp, nil
	}
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	out, err := t.Scaler.scale(b, act, resp.Header)
	if err != nil {
		if !t.Scaler.FallbackOnError {
			return nil, err
		}
		t.Scaler.logger().Warn("serving original image", zap.Error(err))
		passthroughTotal.WithLabelValues("fallback").Inc()
		out = b
		resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	}

	// replay response with scaled image and updated content length
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.TransferEncoding = nil
	return resp, nil
}

func (t *TransformingTransport) transport() http.RoundTripper {
	if t.Transport == nil {
		return http.DefaultTransport
	}
	return t.Transport
}

// readBody reads all of r, or returns errBufferLimit along with the bytes
// read so far once more than limit bytes have been read.  A limit of zero
// or less reads without bound.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return b, errBufferLimit
	}
	return b, nil
}

// prefixedBody is a response body that replays already read bytes before
// the unread remainder of the original body.
type prefixedBody struct {
	io.Reader
	io.Closer
}
