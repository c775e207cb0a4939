package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/gift"
)

// NewCanvas returns a fill-coloured NRGBA canvas of the given size.
func NewCanvas(w, h int, fill color.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if fill != (color.NRGBA{}) {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)
	}
	return dst
}

// Paste copies src into dst with its top-left corner at p, replacing
// whatever was there.
func Paste(dst *image.NRGBA, src image.Image, p image.Point) {
	r := image.Rectangle{Min: p, Max: p.Add(src.Bounds().Size())}
	draw.Draw(dst, r, src, src.Bounds().Min, draw.Src)
}

// Crop cuts the given rectangle out of img.
func Crop(img image.Image, r image.Rectangle) *image.NRGBA {
	g := gift.New(gift.Crop(r.Add(img.Bounds().Min)))
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Resize scales img to w x h with Lanczos resampling. Used for
// downscaling assembled tiles and final map output.
func Resize(img image.Image, w, h int) *image.NRGBA {
	return resample(img, w, h, gift.LanczosResampling)
}

// ResizeBilinear scales img to w x h with bilinear resampling. Used when
// blowing up a parent-tile quadrant, where Lanczos would ring on the
// sharp upscale.
func ResizeBilinear(img image.Image, w, h int) *image.NRGBA {
	return resample(img, w, h, gift.LinearResampling)
}

func resample(img image.Image, w, h int, r gift.Resampling) *image.NRGBA {
	g := gift.New(gift.Resize(w, h, r))
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// FlipV mirrors img across its horizontal axis (top row becomes bottom).
func FlipV(img image.Image) *image.NRGBA {
	g := gift.New(gift.FlipVertical())
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Blend mixes two equally-sized images 50/50.
func Blend(a, b image.Image) *image.NRGBA {
	na, nb := ToNRGBA(a), ToNRGBA(b)
	bounds := na.Bounds()
	dst := image.NewNRGBA(bounds)
	for i := 0; i < len(dst.Pix); i++ {
		dst.Pix[i] = uint8((uint16(na.Pix[i]) + uint16(nb.Pix[i])) / 2)
	}
	return dst
}

// AlphaOver composites src over dst in place using non-premultiplied
// source-over blending.
func AlphaOver(dst *image.NRGBA, src image.Image) {
	bounds := dst.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			s := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			if s.A == 0 {
				continue
			}
			if s.A == 255 {
				dst.SetNRGBA(x, y, s)
				continue
			}

			d := dst.NRGBAAt(x, y)
			sa := float64(s.A) / 255.0
			da := float64(d.A) / 255.0
			outA := sa + da*(1.0-sa)
			if outA == 0 {
				dst.SetNRGBA(x, y, color.NRGBA{})
				continue
			}

			blend := func(srcVal, dstVal uint8) uint8 {
				srcPremult := float64(srcVal) * sa
				dstPremult := float64(dstVal) * da
				outPremult := srcPremult + dstPremult*(1.0-sa)
				return uint8(math.Round(outPremult / outA))
			}
			dst.SetNRGBA(x, y, color.NRGBA{
				R: blend(s.R, d.R),
				G: blend(s.G, d.G),
				B: blend(s.B, d.B),
				A: uint8(math.Round(outA * 255.0)),
			})
		}
	}
}

// MakeTransparent knocks out every pixel whose RGB channels all sit
// within delta of c, turning background fill into transparency so an
// overlay layer can sit on top of a base map.
func MakeTransparent(img image.Image, c color.NRGBA, delta int) *image.NRGBA {
	dst := ToNRGBA(img)
	if dst == img {
		clone := image.NewNRGBA(dst.Bounds())
		copy(clone.Pix, dst.Pix)
		dst = clone
	}
	bounds := dst.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			p := dst.NRGBAAt(x, y)
			if within(p.R, c.R, delta) && within(p.G, c.G, delta) && within(p.B, c.B, delta) {
				dst.SetNRGBA(x, y, color.NRGBA{})
			}
		}
	}
	return dst
}

func within(v, ref uint8, delta int) bool {
	d := int(v) - int(ref)
	if d < 0 {
		d = -d
	}
	return d <= delta
}
