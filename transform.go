// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

package imagescaler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register gif format
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // register webp format
	"willnorris.com/go/gifresize"
)

// default compression quality of resized jpegs
const defaultQuality = 95

// maximum distance into image to look for EXIF tags
const maxExifSize = 1 << 20

// maxPixels bounds the pixel count of both source and scaled images.
var maxPixels int64 = 100_000_000

// resampleFilter is used to resize images.  It is a variable so tests can
// use a simpler filter that won't skew colors.
var resampleFilter = imaging.Lanczos

var (
	// ErrDecode is returned when the source bytes are not a supported image.
	ErrDecode = errors.New("unable to decode image")

	// ErrImageTooLarge is returned when a source or scaled image has too
	// many pixels to process safely.
	ErrImageTooLarge = errors.New("image too large")
)

// A TransformFunc rescales the encoded image img, returning the encoded
// result and its MIME type.
type TransformFunc func(img []byte, opt Options) ([]byte, string, error)

// Transform scales the encoded image img to opt.Width, preserving its aspect
// ratio, and returns the result encoded in the same format along with its
// MIME type.  Images are never enlarged unless opt.ScaleUp is set; if no
// resize is needed, img is returned unchanged.  webp images are encoded as
// png, since there is no webp encoder.
func Transform(img []byte, opt Options) ([]byte, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, "", fmt.Errorf("%w: source is %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	if format == "gif" {
		return transformGIF(img, cfg, opt)
	}

	m, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	// apply EXIF orientation for jpeg and tiff source images, since it is
	// lost when the image is re-encoded.
	if format == "jpeg" || format == "tiff" {
		m = orient(m, exifOrientation(io.LimitReader(bytes.NewReader(img), maxExifSize)))
	}

	w, h, resize := resizeParams(m.Bounds().Dx(), m.Bounds().Dy(), opt)
	if !resize {
		return img, contentType(format), nil
	}
	if int64(w)*int64(h) > maxPixels {
		return nil, "", fmt.Errorf("%w: scaled image would be %dx%d", ErrImageTooLarge, w, h)
	}
	m = imaging.Resize(m, w, h, resampleFilter)

	buf := new(bytes.Buffer)
	if format, err = encode(buf, m, format, opt.Quality); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), contentType(format), nil
}

// transformGIF resizes each frame of a possibly animated gif.
func transformGIF(img []byte, cfg image.Config, opt Options) ([]byte, string, error) {
	w, h, resize := resizeParams(cfg.Width, cfg.Height, opt)
	if !resize {
		return img, contentType("gif"), nil
	}
	if int64(w)*int64(h) > maxPixels {
		return nil, "", fmt.Errorf("%w: scaled image would be %dx%d", ErrImageTooLarge, w, h)
	}

	fn := func(m image.Image) image.Image {
		return imaging.Resize(m, w, h, resampleFilter)
	}
	buf := new(bytes.Buffer)
	if err := gifresize.Process(buf, bytes.NewReader(img), fn); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return buf.Bytes(), contentType("gif"), nil
}

// resizeParams determines the dimensions to scale a srcW x srcH image to.
// The returned bool reports whether a resize is needed at all.
func resizeParams(srcW, srcH int, opt Options) (w, h int, resize bool) {
	if opt.Width <= 0 || srcW <= 0 || srcH <= 0 {
		return 0, 0, false
	}

	// never resize larger than the original image unless explicitly allowed
	if opt.Width == srcW || (opt.Width > srcW && !opt.ScaleUp) {
		return 0, 0, false
	}

	w = opt.Width
	h = int(math.Max(1, math.Floor(float64(w)*float64(srcH)/float64(srcW)+0.5)))
	return w, h, true
}

// encode writes m to w in the named format, returning the format actually
// used.
func encode(w io.Writer, m image.Image, format string, quality int) (string, error) {
	var err error
	switch format {
	case "bmp":
		err = bmp.Encode(w, m)
	case "jpeg":
		if quality <= 0 {
			quality = defaultQuality
		}
		err = jpeg.Encode(w, m, &jpeg.Options{Quality: quality})
	case "png":
		err = png.Encode(w, m)
	case "tiff":
		err = tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case "webp":
		format = "png"
		err = png.Encode(w, m)
	default:
		err = fmt.Errorf("unsupported format: %v", format)
	}
	return format, err
}

func contentType(format string) string {
	return "image/" + format
}

// exifOrientation reads the EXIF orientation tag from r, returning 1 (no
// transformation) if it is missing or unreadable.
func exifOrientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return o
}

// orient applies an EXIF orientation value to m.
// See http://sylvana.net/jpegcrop/exif_orientation.html
func orient(m image.Image, o int) image.Image {
	switch o {
	case 2:
		return imaging.FlipH(m)
	case 3:
		return imaging.Rotate180(m)
	case 4:
		return imaging.FlipV(m)
	case 5:
		return imaging.Transpose(m)
	case 6:
		return imaging.Rotate270(m)
	case 7:
		return imaging.Transverse(m)
	case 8:
		return imaging.Rotate90(m)
	}
	return m
}
