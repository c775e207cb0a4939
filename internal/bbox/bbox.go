// Package bbox provides lon-lat rectangle utilities, including
// normalisation across the antimeridian.
package bbox

import "github.com/paulmach/orb"

// Bbox is a geographic bounding box in EPSG:4326.
// A normalised Bbox has MinLon <= MaxLon after at most one +360 wrap,
// so MaxLon may exceed 180 for rectangles crossing the antimeridian.
type Bbox struct {
	MinLon float64 // Western edge (degrees)
	MinLat float64 // Southern edge (degrees)
	MaxLon float64 // Eastern edge (degrees)
	MaxLat float64 // Northern edge (degrees)
}

// New returns a Bbox from the WMS parameter order (minLon, minLat, maxLon, maxLat).
func New(minLon, minLat, maxLon, maxLat float64) Bbox {
	return Bbox{MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
}

// FromBound converts an orb.Bound.
func FromBound(b orb.Bound) Bbox {
	return Bbox{
		MinLon: b.Min.Lon(), MinLat: b.Min.Lat(),
		MaxLon: b.Max.Lon(), MaxLat: b.Max.Lat(),
	}
}

// Bound returns the box as an orb.Bound.
func (b Bbox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLon, b.MinLat},
		Max: orb.Point{b.MaxLon, b.MaxLat},
	}
}

// Width returns the longitudinal extent in degrees.
func (b Bbox) Width() float64 { return b.MaxLon - b.MinLon }

// Height returns the latitudinal extent in degrees.
func (b Bbox) Height() float64 { return b.MaxLat - b.MinLat }

// Normalize brings the box into canonical order. Longitudes below -180 are
// wrapped up by whole turns; a box whose eastern edge lies west of its
// western edge gets a single +360 wrap on the eastern edge (antimeridian
// crossing). If the latitudes arrive inverted they are swapped and the
// second return value is true: the caller must mirror the rendered output
// vertically at the end.
func Normalize(b Bbox) (Bbox, bool) {
	flipH := false
	for b.MinLon < -180.0 {
		b.MinLon += 360.0
		b.MaxLon += 360.0
	}
	if b.MinLon > b.MaxLon {
		b.MaxLon += 360.0
	}
	if b.MinLat > b.MaxLat {
		b.MinLat, b.MaxLat = b.MaxLat, b.MinLat
		flipH = true
	}
	return b, flipH
}

// Add returns the smallest box containing both arguments.
func Add(a, b Bbox) Bbox {
	return Bbox{
		MinLon: min(a.MinLon, b.MinLon),
		MinLat: min(a.MinLat, b.MinLat),
		MaxLon: max(a.MaxLon, b.MaxLon),
		MaxLat: max(a.MaxLat, b.MaxLat),
	}
}

// ExpandToPoints grows the box to contain every given point.
func ExpandToPoints(b Bbox, points []orb.Point) Bbox {
	for _, p := range points {
		b = Add(b, Bbox{MinLon: p.Lon(), MinLat: p.Lat(), MaxLon: p.Lon(), MaxLat: p.Lat()})
	}
	return b
}

// PointIn reports whether the point lies inside the box (edges inclusive).
func PointIn(b Bbox, p orb.Point) bool {
	return p.Lon() >= b.MinLon && p.Lon() <= b.MaxLon &&
		p.Lat() >= b.MinLat && p.Lat() <= b.MaxLat
}

// Contains reports whether inner lies fully inside outer.
// Both boxes are normalised first.
func Contains(outer, inner Bbox) bool {
	o, _ := Normalize(outer)
	i, _ := Normalize(inner)
	return o.MinLon <= i.MinLon && o.MaxLon >= i.MaxLon &&
		o.MinLat <= i.MinLat && o.MaxLat >= i.MaxLat
}

// Intersects reports whether the two boxes share any area.
// Both boxes are normalised first.
func Intersects(a, b Bbox) bool {
	an, _ := Normalize(a)
	bn, _ := Normalize(b)
	return an.MinLon <= bn.MaxLon && bn.MinLon <= an.MaxLon &&
		an.MinLat <= bn.MaxLat && bn.MinLat <= an.MaxLat
}
