// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package envflag

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func TestVarName(t *testing.T) {
	tests := []struct {
		prefix, flag, want string
	}{
		{"IMAGESCALER", "addr", "IMAGESCALER_ADDR"},
		{"IMAGESCALER", "maxBufferSize", "IMAGESCALER_MAXBUFFERSIZE"},
		{"app", "pass-headers", "APP_PASS_HEADERS"},
	}

	for _, tt := range tests {
		if got := VarName(tt.prefix, tt.flag); got != tt.want {
			t.Errorf("VarName(%q, %q) returned %q, want %q", tt.prefix, tt.flag, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	env := map[string]string{
		"TEST_ADDR":    "localhost:9000",
		"TEST_TIMEOUT": "5s",
		"TEST_VERBOSE": "true",
		"TEST_BACKEND": "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	addr := fs.String("addr", "localhost:8080", "listen address")
	backend := fs.String("backend", "http://swift", "backend URL")
	timeout := fs.Duration("timeout", 0, "timeout")
	verbose := fs.Bool("verbose", false, "verbose")
	if err := fs.Parse([]string{"-timeout", "1s"}); err != nil {
		t.Fatal(err)
	}

	if err := parse("TEST", fs, lookup); err != nil {
		t.Fatalf("parse returned error: %v", err)
	}

	if got, want := *addr, "localhost:9000"; got != want {
		t.Errorf("addr is %q, want %q from environment", got, want)
	}
	if got, want := *backend, "http://swift"; got != want {
		t.Errorf("backend is %q, want default %q", got, want)
	}
	if got, want := *timeout, time.Second; got != want {
		t.Errorf("timeout is %v, want %v from command line", got, want)
	}
	if !*verbose {
		t.Errorf("verbose not set from environment")
	}
	if usage := fs.Lookup("addr").Usage; !strings.HasSuffix(usage, "[TEST_ADDR]") {
		t.Errorf("addr usage %q does not name environment variable", usage)
	}
}

func TestParse_Invalid(t *testing.T) {
	lookup := func(k string) (string, bool) { return "soon", k == "TEST_TIMEOUT" }

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Duration("timeout", 0, "timeout")
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	if err := parse("TEST", fs, lookup); err == nil {
		t.Errorf("parse did not return error for invalid duration")
	}
}
