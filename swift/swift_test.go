// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package swift

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"go.uber.org/goleak"
	"willnorris.com/go/imagescaler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestServer returns a fake Swift endpoint.  Requests without a valid
// token are rejected.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			http.Error(w, "", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("X-Auth-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.URL.Path {
		case "/v1/AUTH_test/photos":
			w.Header().Set("X-Container-Meta-Image-Scaling", "true")
			w.Header().Set("X-Container-Meta-Image-Scaling-Max-Size", "10MB")
			w.Header().Set("X-Container-Object-Count", "3")
			w.WriteHeader(http.StatusNoContent)
		case "/v1/AUTH_test/photos/2014/cat photo.jpg":
			w.Header().Set("Content-Length", "12345")
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Etag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		case "/v1/AUTH_test/broken":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(srv.URL, srv.Client(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func newRequest(token string) *http.Request {
	r := httptest.NewRequest("GET", "/v1/AUTH_test/photos/2014/cat.jpg?size=100", nil)
	if token != "" {
		r.Header.Set("X-Auth-Token", token)
	}
	return r
}

func TestNew(t *testing.T) {
	for _, u := range []string{"", "/relative", "http://[::1", "swift.test:8080"} {
		if _, err := New(u, nil, nil); err == nil {
			t.Errorf("New(%q) did not return expected error", u)
		}
	}
}

func TestClient_ContainerInfo(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	p := imagescaler.Path{Version: "v1", Account: "AUTH_test", Container: "photos", Object: "2014/cat photo.jpg"}

	got, err := c.ContainerInfo(newRequest("secret"), p)
	if err != nil {
		t.Fatalf("ContainerInfo returned error: %v", err)
	}
	want := map[string]string{
		"image-scaling":          "true",
		"image-scaling-max-size": "10MB",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ContainerInfo returned %v, want %v", got, want)
	}

	policy, err := imagescaler.ParseContainerPolicy(got)
	if err != nil || !policy.Enabled || policy.MaxSourceSize != 10000000 {
		t.Errorf("ParseContainerPolicy(%v) returned %+v, %v", got, policy, err)
	}
}

func TestClient_ObjectInfo(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	p := imagescaler.Path{Version: "v1", Account: "AUTH_test", Container: "photos", Object: "2014/cat photo.jpg"}

	got, err := c.ObjectInfo(newRequest("secret"), p)
	if err != nil {
		t.Fatalf("ObjectInfo returned error: %v", err)
	}
	want := map[string]string{
		"length": "12345",
		"type":   "image/jpeg",
		"etag":   "d41d8cd98f00b204e9800998ecf8427e",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ObjectInfo returned %v, want %v", got, want)
	}
}

func TestClient_Errors(t *testing.T) {
	c := newTestClient(t, newTestServer(t))

	tests := []struct {
		container, token string
		want             error // sentinel the error wraps, if any
	}{
		{"missing", "secret", imagescaler.ErrNotFound},
		{"broken", "secret", nil},
		{"photos", "", imagescaler.ErrForbidden}, // token not forwarded
		{"photos", "wrong", imagescaler.ErrForbidden},
	}

	for _, tt := range tests {
		p := imagescaler.Path{Version: "v1", Account: "AUTH_test", Container: tt.container, Object: "o.jpg"}
		_, err := c.ContainerInfo(newRequest(tt.token), p)
		if err == nil {
			t.Errorf("ContainerInfo(%v) did not return expected error", p)
			continue
		}
		for _, sentinel := range []error{imagescaler.ErrNotFound, imagescaler.ErrForbidden} {
			if got, want := errors.Is(err, sentinel), sentinel == tt.want; got != want {
				t.Errorf("ContainerInfo(%v, token %q) returned error %v, want wrapping %v: %t", p, tt.token, err, sentinel, want)
			}
		}
	}
}

// A caller whose token cannot read container metadata, such as an anonymous
// reader of a public container, gets the backend's own response rather than
// a gateway error.
func TestClient_MiddlewareDenied(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	s := imagescaler.New(imagescaler.NewCachedMetadata(c, imagescaler.NopCache, 0), nil)

	tests := []struct {
		token      string
		backend    int
		wantStatus int
	}{
		{"wrong", http.StatusUnauthorized, http.StatusUnauthorized},
		{"", http.StatusOK, http.StatusOK},
	}

	for _, tt := range tests {
		backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.backend)
			_, _ = w.Write([]byte("backend"))
		})

		r := httptest.NewRequest("GET", "/v1/AUTH_test/photos/a.jpg?size=100", nil)
		if tt.token != "" {
			r.Header.Set("X-Auth-Token", tt.token)
		}
		w := httptest.NewRecorder()
		s.Middleware(backend).ServeHTTP(w, r)

		if w.Code != tt.wantStatus {
			t.Errorf("token %q: status is %d, want %d", tt.token, w.Code, tt.wantStatus)
		}
		if got := w.Body.String(); got != "backend" {
			t.Errorf("token %q: body is %q, want backend response", tt.token, got)
		}
	}
}

func TestClient_PassHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.PassHeaders = []string{"x-auth-token", "X-Trans-Id"}

	r := newRequest("secret")
	r.Header.Set("X-Trans-Id", "tx123")
	r.Header.Set("Cookie", "session=1")
	if _, err := c.ContainerInfo(r, imagescaler.Path{Version: "v1", Account: "a", Container: "c", Object: "o"}); err != nil {
		t.Fatalf("ContainerInfo returned error: %v", err)
	}

	if got.Get("X-Auth-Token") != "secret" || got.Get("X-Trans-Id") != "tx123" {
		t.Errorf("request headers %v missing passed headers", got)
	}
	if got.Get("Cookie") != "" {
		t.Errorf("request passed unlisted Cookie header")
	}
}

// Client is usable as the source for a Scaler's policy decisions.
func TestClient_Decide(t *testing.T) {
	c := newTestClient(t, newTestServer(t))
	s := imagescaler.New(imagescaler.NewCachedMetadata(c, imagescaler.NopCache, 0), nil)

	r := httptest.NewRequest("GET", "/v1/AUTH_test/photos/2014/cat%20photo.jpg?size=100", nil)
	r.Header.Set("X-Auth-Token", "secret")
	act, err := s.Decide(r)
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if act == nil {
		t.Fatalf("Decide returned nil activation")
	}
	if got, want := act.Object.Length, int64(12345); got != want {
		t.Errorf("activation object length is %d, want %d", got, want)
	}
}
