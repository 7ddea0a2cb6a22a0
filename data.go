// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// PathError reports a request path that does not address an object.
type PathError struct {
	Message string
	Path    string
}

func (e PathError) Error() string {
	return fmt.Sprintf("invalid object path %q: %s", e.Path, e.Message)
}

// Path is a request path of the form /<version>/<account>/<container>/<object>.
type Path struct {
	Version   string
	Account   string
	Container string
	Object    string // may itself contain slashes
}

// SplitPath parses p into its version, account, container and object
// segments.  Only object-level paths are accepted; account and container
// paths return a PathError.
func SplitPath(p string) (Path, error) {
	if !strings.HasPrefix(p, "/") {
		return Path{}, PathError{"must begin with a slash", p}
	}

	segs := strings.SplitN(p[1:], "/", 4)
	if len(segs) != 4 {
		return Path{}, PathError{"too few path segments", p}
	}
	for _, s := range segs[:3] {
		if s == "" {
			return Path{}, PathError{"empty path segment", p}
		}
	}
	if segs[3] == "" {
		return Path{}, PathError{"missing object name", p}
	}

	return Path{
		Version:   segs[0],
		Account:   segs[1],
		Container: segs[2],
		Object:    segs[3],
	}, nil
}

// ContainerPath returns the path of the container holding p's object.
func (p Path) ContainerPath() string {
	return "/" + p.Version + "/" + p.Account + "/" + p.Container
}

func (p Path) String() string {
	return p.ContainerPath() + "/" + p.Object
}

// Extension returns the lower-cased text after the final dot of the object's
// last path element, or the empty string if there is none.
func (p Path) Extension() string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p.Object), "."))
}

// ScaleSpec is the target size requested in the "size" query parameter.
//
// Only Width is used when scaling; the image height follows from the source
// aspect ratio.  Height is kept so the requested value can be logged as-is.
type ScaleSpec struct {
	Width  int
	Height int
}

func (s ScaleSpec) String() string {
	if s.Height == 0 {
		return strconv.Itoa(s.Width)
	}
	return fmt.Sprintf("%d,%d", s.Width, s.Height)
}

// ParseScaleSpec parses a size descriptor of the form "<width>[,<height>]".
// An "x" is accepted in place of the comma.
func ParseScaleSpec(str string) (ScaleSpec, error) {
	var s ScaleSpec

	w, h := str, ""
	if i := strings.IndexAny(str, ",x"); i >= 0 {
		w, h = str[:i], str[i+1:]
	}

	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil || width <= 0 {
		return s, fmt.Errorf("width must be a positive integer: %q", str)
	}
	s.Width = width

	if h = strings.TrimSpace(h); h != "" {
		height, err := strconv.Atoi(h)
		if err != nil || height < 0 {
			return s, fmt.Errorf("height must be a non-negative integer: %q", str)
		}
		s.Height = height
	}

	return s, nil
}

// Options specifies how a single image is rescaled.
type Options struct {
	// Width of the output image, in pixels.  Height is derived from the
	// source aspect ratio.
	Width int

	// ScaleUp allows images to be enlarged beyond their original width.
	ScaleUp bool

	// Quality of the output image.  Only used for jpeg.
	Quality int
}

func (o Options) String() string {
	s := strconv.Itoa(o.Width)
	if o.ScaleUp {
		s += ",scaleUp"
	}
	if o.Quality != 0 {
		s += fmt.Sprintf(",q%d", o.Quality)
	}
	return s
}
