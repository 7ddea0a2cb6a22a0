// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package gcscache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"cloud.google.com/go/storage"
)

// mockObject is an in-memory objectHandle.
type mockObject struct {
	data   []byte
	exists bool

	readErr, writeErr, closeErr, deleteErr error
	badReader                              bool // reader fails mid-read
}

func (m *mockObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	if !m.exists {
		return nil, storage.ErrObjectNotExist
	}
	if m.badReader {
		return io.NopCloser(errorReader{}), nil
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func (m *mockObject) NewWriter(ctx context.Context) io.WriteCloser {
	return &mockWriter{obj: m}
}

func (m *mockObject) Delete(ctx context.Context) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if !m.exists {
		return storage.ErrObjectNotExist
	}
	m.exists = false
	m.data = nil
	return nil
}

// mockWriter stores written data in its object when closed.
type mockWriter struct {
	obj *mockObject
	buf bytes.Buffer
}

func (w *mockWriter) Write(p []byte) (int, error) {
	if w.obj.writeErr != nil {
		return 0, w.obj.writeErr
	}
	return w.buf.Write(p)
}

func (w *mockWriter) Close() error {
	if w.obj.closeErr != nil {
		return w.obj.closeErr
	}
	w.obj.data = w.buf.Bytes()
	w.obj.exists = true
	return nil
}

type errorReader struct{}

func (errorReader) Read(p []byte) (int, error) {
	return 0, errors.New("read error")
}

// mockBucket is an in-memory bucketHandle.
type mockBucket map[string]*mockObject

func (b mockBucket) Object(name string) objectHandle {
	obj, ok := b[name]
	if !ok {
		obj = new(mockObject)
		b[name] = obj
	}
	return obj
}

func TestCache_Get(t *testing.T) {
	tests := []struct {
		name   string
		obj    *mockObject
		want   []byte
		wantOK bool
	}{
		{"existing", &mockObject{data: []byte("data"), exists: true}, []byte("data"), true},
		{"empty", &mockObject{data: []byte{}, exists: true}, nil, false},
		{"missing", &mockObject{}, nil, false},
		{"open error", &mockObject{readErr: errors.New("read error")}, nil, false},
		{"read error", &mockObject{exists: true, badReader: true}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket := mockBucket{objectName("test-prefix", "key"): tt.obj}
			c := NewWithBucket(bucket, "test-prefix", nil)

			got, ok := c.Get("key")
			if !bytes.Equal(got, tt.want) || ok != tt.wantOK {
				t.Errorf("Get returned (%q, %t), want (%q, %t)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCache_SetDelete(t *testing.T) {
	bucket := mockBucket{}
	c := NewWithBucket(bucket, "", nil)

	c.Set("key", []byte("data"))
	obj := bucket[objectName("", "key")]
	if obj == nil || !bytes.Equal(obj.data, []byte("data")) {
		t.Fatalf("Set did not write object")
	}
	if got, ok := c.Get("key"); !ok || string(got) != "data" {
		t.Errorf("Get returned (%q, %t) after Set", got, ok)
	}

	c.Delete("key")
	if obj.exists {
		t.Errorf("Delete did not remove object")
	}
	if _, ok := c.Get("key"); ok {
		t.Errorf("Get returned ok after Delete")
	}

	// deleting a missing object is not an error
	c.Delete("key")
}

// Storage errors must never panic or surface to callers.
func TestCache_Errors(t *testing.T) {
	bucket := mockBucket{
		objectName("p", "write"):  {writeErr: errors.New("write error")},
		objectName("p", "close"):  {closeErr: errors.New("close error")},
		objectName("p", "delete"): {exists: true, deleteErr: errors.New("delete error")},
	}
	c := NewWithBucket(bucket, "p", nil)

	c.Set("write", []byte("data"))
	c.Set("close", []byte("data"))
	if _, ok := c.Get("close"); ok {
		t.Errorf("Get returned ok for object whose write failed")
	}
	c.Delete("delete")
}

func TestObjectName(t *testing.T) {
	n1, n2 := objectName("p", "a"), objectName("p", "b")
	if n1 != objectName("p", "a") {
		t.Errorf("objectName not consistent for same key")
	}
	if n1 == n2 {
		t.Errorf("objectName produced same name for different keys")
	}
	if len(n1) != len("p/")+64 {
		t.Errorf("objectName produced unexpected name %q", n1)
	}
	if got := objectName("", "a"); len(got) != 64 {
		t.Errorf("objectName without prefix produced %q", got)
	}
}
