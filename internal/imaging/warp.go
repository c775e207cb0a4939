package imaging

import (
	"image"
	"image/color"
	"math"
)

// WarpQuad maps the source quadrilateral onto a w x h output image. The
// quad is eight source-pixel coordinates in NW, SW, SE, NE corner order.
// Output pixel (x, y) samples the source at the bilinear interpolation of
// the four corners; sampling itself is bicubic (Catmull-Rom). Samples that
// fall outside the source come back fully transparent.
//
// This is the inverse-mapping transform map renderers use to re-project a
// tile mosaic from one Mercator variant into another.
func WarpQuad(src image.Image, quad [8]float64, w, h int) *image.NRGBA {
	s := ToNRGBA(src)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	fw, fh := float64(w), float64(h)
	// Corner order: (x0,y0)=NW (x1,y1)=SW (x2,y2)=SE (x3,y3)=NE.
	ax := [4]float64{
		quad[0],
		(quad[6] - quad[0]) / fw,
		(quad[2] - quad[0]) / fh,
		(quad[0] - quad[2] + quad[4] - quad[6]) / (fw * fh),
	}
	ay := [4]float64{
		quad[1],
		(quad[7] - quad[1]) / fw,
		(quad[3] - quad[1]) / fh,
		(quad[1] - quad[3] + quad[5] - quad[7]) / (fw * fh),
	}

	for y := 0; y < h; y++ {
		fy := float64(y) + 0.5
		for x := 0; x < w; x++ {
			fx := float64(x) + 0.5
			xs := ax[0] + ax[1]*fx + ax[2]*fy + ax[3]*fx*fy
			ys := ay[0] + ay[1]*fx + ay[2]*fy + ay[3]*fx*fy
			dst.SetNRGBA(x, y, sampleCatmullRom(s, xs-0.5, ys-0.5))
		}
	}
	return dst
}

// sampleCatmullRom samples the image at fractional pixel coordinates with
// a 4x4 Catmull-Rom kernel, clamping the neighbourhood at the edges.
func sampleCatmullRom(img *image.NRGBA, fx, fy float64) color.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if fx < -0.5 || fy < -0.5 || fx > float64(w)-0.5 || fy > float64(h)-0.5 {
		return color.NRGBA{}
	}

	ix := int(math.Floor(fx))
	iy := int(math.Floor(fy))
	tx := fx - float64(ix)
	ty := fy - float64(iy)

	var wx, wy [4]float64
	for i := 0; i < 4; i++ {
		wx[i] = catmullRom(float64(i-1) - tx)
		wy[i] = catmullRom(float64(i-1) - ty)
	}

	var r, g, bl, a float64
	for j := 0; j < 4; j++ {
		sy := clampInt(iy+j-1, 0, h-1)
		for i := 0; i < 4; i++ {
			sx := clampInt(ix+i-1, 0, w-1)
			wgt := wx[i] * wy[j]
			if wgt == 0 {
				continue
			}
			p := img.NRGBAAt(sx, sy)
			r += wgt * float64(p.R)
			g += wgt * float64(p.G)
			bl += wgt * float64(p.B)
			a += wgt * float64(p.A)
		}
	}
	return color.NRGBA{
		R: clampByte(r),
		G: clampByte(g),
		B: clampByte(bl),
		A: clampByte(a),
	}
}

func catmullRom(t float64) float64 {
	t = math.Abs(t)
	switch {
	case t < 1:
		return 1.5*t*t*t - 2.5*t*t + 1
	case t < 2:
		return -0.5*t*t*t + 2.5*t*t - 4*t + 2
	}
	return 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
