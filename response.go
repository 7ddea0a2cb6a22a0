// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"bytes"
	"net/http"

	"go.uber.org/zap"
)

type writerState int

const (
	awaitingHeaders writerState = iota
	collectingBody
	passingThrough
)

// scalingWriter is the http.ResponseWriter given to the inner handler of an
// activated request.  It holds back the response status and headers,
// buffers a 200 response body in full, and on finish writes the scaled
// image to the underlying ResponseWriter with a matching Content-Length.
//
// Responses with any other status, and bodies over the Scaler's buffer
// limit, are passed through to the underlying ResponseWriter unchanged.
type scalingWriter struct {
	w   http.ResponseWriter
	s   *Scaler
	act *Activation

	state         writerState
	header        http.Header
	status        int
	contentLength string // removed from header while buffering
	buf           bytes.Buffer
}

func newScalingWriter(w http.ResponseWriter, s *Scaler, act *Activation) *scalingWriter {
	return &scalingWriter{
		w:      w,
		s:      s,
		act:    act,
		header: make(http.Header),
	}
}

func (sw *scalingWriter) Header() http.Header {
	return sw.header
}

func (sw *scalingWriter) WriteHeader(code int) {
	// informational responses are not forwarded
	if sw.state != awaitingHeaders || code < 200 {
		return
	}

	sw.status = code
	sw.contentLength = sw.header.Get("Content-Length")
	sw.header.Del("Content-Length")

	if code != http.StatusOK {
		sw.s.logger().Debug("not scaling non-200 response", zap.Stringer("path", sw.act.Path), zap.Int("status", code))
		_ = sw.passthrough("status")
		return
	}
	sw.state = collectingBody
}

func (sw *scalingWriter) Write(b []byte) (int, error) {
	if sw.state == awaitingHeaders {
		sw.WriteHeader(http.StatusOK)
	}
	if sw.state == passingThrough {
		return sw.w.Write(b)
	}

	if max := sw.s.MaxBufferSize; max > 0 && int64(sw.buf.Len()+len(b)) > max {
		sw.s.logger().Info("image exceeds buffer limit, serving original",
			zap.Stringer("path", sw.act.Path), zap.Int64("limit", max))
		if err := sw.passthrough("buffer_limit"); err != nil {
			return 0, err
		}
		return sw.w.Write(b)
	}
	return sw.buf.Write(b)
}

// Flush is a no-op while the body is being buffered.
func (sw *scalingWriter) Flush() {
	if sw.state == passingThrough {
		_ = http.NewResponseController(sw.w).Flush()
	}
}

// passthrough writes the held back status, headers and any buffered body to
// the underlying ResponseWriter.  Subsequent writes go straight through.
func (sw *scalingWriter) passthrough(reason string) error {
	passthroughTotal.WithLabelValues(reason).Inc()
	sw.state = passingThrough

	copyHeader(sw.w.Header(), sw.header)
	if sw.contentLength != "" {
		sw.w.Header().Set("Content-Length", sw.contentLength)
	}
	sw.w.WriteHeader(sw.status)

	if sw.buf.Len() == 0 {
		return nil
	}
	_, err := sw.w.Write(sw.buf.Bytes())
	sw.release()
	return err
}

// finish is called once the inner handler has returned.  It scales the
// buffered image and writes the final response.
func (sw *scalingWriter) finish() error {
	if sw.state == awaitingHeaders {
		sw.WriteHeader(http.StatusOK)
	}
	if sw.state == passingThrough {
		return nil
	}

	out, err := sw.s.scale(sw.buf.Bytes(), sw.act, sw.header)
	if err != nil {
		if sw.s.FallbackOnError {
			sw.s.logger().Warn("serving original image", zap.Error(err))
			return sw.passthrough("fallback")
		}
		sw.release()
		return err
	}
	sw.release()

	copyHeader(sw.w.Header(), sw.header)
	sw.w.WriteHeader(sw.status)
	_, err = sw.w.Write(out)
	return err
}

// release drops the buffered body.
func (sw *scalingWriter) release() {
	sw.buf = bytes.Buffer{}
}
