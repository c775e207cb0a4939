// Package imaging bundles the raster operations the tile pipeline needs:
// format detection and transcoding, canvas assembly, scaling, blending
// and quad warping.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"net/http"

	"github.com/gen2brain/webp"
)

// Options control image encoding.
type Options struct {
	JPEGQuality    int
	WebPQuality    int
	PNGCompression png.CompressionLevel
	// Background is composited under transparent pixels for formats
	// without an alpha channel (JPEG).
	Background color.NRGBA
}

// DefaultOptions are used when a zero Options is passed around.
var DefaultOptions = Options{
	JPEGQuality: 75,
	WebPQuality: 85,
	Background:  color.NRGBA{R: 255, G: 255, B: 255, A: 255},
}

// Decode decodes image bytes, sniffing the format from the payload rather
// than trusting any declared content type. Returns the image and the
// detected mimetype.
func Decode(data []byte) (image.Image, string, error) {
	mime := http.DetectContentType(data)
	r := bytes.NewReader(data)
	var (
		img image.Image
		err error
	)
	switch mime {
	case "image/jpeg":
		img, err = jpeg.Decode(r)
	case "image/png":
		img, err = png.Decode(r)
	case "image/gif":
		img, err = gif.Decode(r)
	case "image/webp":
		img, err = webp.Decode(r)
	default:
		return nil, "", fmt.Errorf("unsupported image payload %q", mime)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", mime, err)
	}
	return img, mime, nil
}

// Encode serialises an image to the requested mimetype.
func Encode(img image.Image, mimetype string, opts Options) ([]byte, error) {
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = DefaultOptions.JPEGQuality
	}
	if opts.WebPQuality == 0 {
		opts.WebPQuality = DefaultOptions.WebPQuality
	}

	var buf bytes.Buffer
	switch mimetype {
	case "image/jpeg":
		flat := Flatten(img, opts.Background)
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: opts.JPEGQuality}); err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
	case "image/png":
		enc := png.Encoder{CompressionLevel: opts.PNGCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
	case "image/gif":
		if err := gif.Encode(&buf, img, &gif.Options{NumColors: 256}); err != nil {
			return nil, fmt.Errorf("gif encode: %w", err)
		}
	case "image/webp":
		if err := webp.Encode(&buf, img, webp.Options{Quality: opts.WebPQuality}); err != nil {
			return nil, fmt.Errorf("webp encode: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported mimetype %q", mimetype)
	}
	return buf.Bytes(), nil
}

// ExtensionByMime maps a mimetype to its cache file extension.
func ExtensionByMime(mime string) (string, error) {
	switch mime {
	case "image/jpeg":
		return ".jpg", nil
	case "image/png":
		return ".png", nil
	case "image/gif":
		return ".gif", nil
	case "image/webp":
		return ".webp", nil
	}
	return "", fmt.Errorf("unsupported mimetype %q", mime)
}

// MimeByExtension maps a cache file extension to its mimetype.
func MimeByExtension(ext string) (string, error) {
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".png":
		return "image/png", nil
	case ".gif":
		return "image/gif", nil
	case ".webp":
		return "image/webp", nil
	}
	return "", fmt.Errorf("unsupported extension %q", ext)
}

// Flatten composites img over an opaque background, dropping alpha.
func Flatten(img image.Image, bg color.NRGBA) *image.NRGBA {
	if bg.A == 0 {
		bg = DefaultOptions.Background
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.NRGBA{R: bg.R, G: bg.G, B: bg.B, A: 255}), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// ToNRGBA converts any image to NRGBA with bounds anchored at the origin.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
