// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFilterFactory(t *testing.T) {
	tests := []struct {
		global, local map[string]string
		wantErr       bool
	}{
		{nil, nil, false},
		{map[string]string{"log_name": "scaler", "log_level": "debug"}, nil, false},
		{map[string]string{"log_level": "bogus"}, map[string]string{"log_level": "WARN"}, false},
		{nil, map[string]string{"max_buffer_size": "10MB", "fallback_on_error": "true", "unknown": "x"}, false},

		{map[string]string{"log_level": "bogus"}, nil, true},
		{nil, map[string]string{"max_buffer_size": "lots"}, true},
		{nil, map[string]string{"max_buffer_size": "10 EiB"}, true},
	}

	for _, tt := range tests {
		_, err := FilterFactory(newTestMetadata(), tt.global, tt.local)
		if tt.wantErr != (err != nil) {
			t.Errorf("FilterFactory(%v, %v) returned error %v, want error %t", tt.global, tt.local, err, tt.wantErr)
		}
	}
}

func TestFilterFactory_Middleware(t *testing.T) {
	_, objects := newTestScaler(t)
	meta := newTestMetadata()
	meta.objects["/v1/acct/cont/broken.jpg"] = map[string]string{"length": "12"}

	filter, err := FilterFactory(meta, nil, map[string]string{"fallback_on_error": "1", "log_level": "error"})
	if err != nil {
		t.Fatalf("FilterFactory returned error: %v", err)
	}
	h := filter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = objects.ServeHTTP(w, r)
	}))

	req := httptest.NewRequest("GET", "/v1/acct/cont/broken.jpg?size=100", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Errorf("ServeHTTP returned status %d, want %d", got, want)
	}
	if got, want := rec.Body.String(), "not an image"; got != want {
		t.Errorf("ServeHTTP returned body %q, want %q", got, want)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{" 20MB ", 20_000_000, false},
		{"2 MiB", 2 << 20, false},
		{"8 EiB", 0, true}, // fits in uint64 but not int64
		{"lots", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseByteSize(tt.input)
		if tt.wantErr != (err != nil) {
			t.Errorf("ParseByteSize(%q) returned error %v, want error %t", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) returned %d, want %d", tt.input, got, tt.want)
		}
	}
}
