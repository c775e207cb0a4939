// Package proj implements the closed set of projections the server
// understands (EPSG:4326, EPSG:3857, EPSG:3395) and the slippy-map tile
// arithmetic built on top of them.
//
// The forward/inverse Mercator transforms are closed-form rather than going
// through a generic projection library: only these three CRS are ever
// accepted, and the pure formulas are both faster and dependency-free.
package proj

import (
	"fmt"
	"math"
	"sort"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/paulmach/orb"
)

// EPSG identifies a supported projection, e.g. "EPSG:3857".
type EPSG string

const (
	EPSG4326 EPSG = "EPSG:4326" // geographic lon/lat
	EPSG3857 EPSG = "EPSG:3857" // spherical Mercator (web Mercator)
	EPSG3395 EPSG = "EPSG:3395" // ellipsoidal Mercator
)

const (
	// metersPerDegree is the Mercator x scale: earthRadius * pi / 180.
	metersPerDegree = 111319.49079327358
	// mercatorLimit is the spherical Mercator y extent in meters.
	mercatorLimit = 20037508.342789244
	// wgs84Radius is the WGS84 semi-major axis in meters.
	wgs84Radius = 6378137.0
	// wgs84Eccentricity is the WGS84 first eccentricity.
	wgs84Eccentricity = 0.0818191908426
)

var aliases = map[string]EPSG{
	"EPSG:900913": EPSG3857,
	"EPSG:3785":   EPSG3857,
}

// Native lon-lat extent of each projection's tile pyramid.
var projBounds = map[EPSG]bbox.Bbox{
	EPSG4326: bbox.New(-180.0, -90.0, 180.0, 90.0),
	EPSG3857: bbox.New(-180.0, -85.0511287798, 180.0, 85.0511287798),
	EPSG3395: bbox.New(-180.0, -85.0840591556, 180.0, 85.0840590501),
}

// Supported lists every accepted projection code, aliases included.
func Supported() []string {
	codes := make([]string, 0, len(projBounds)+len(aliases))
	for srs := range projBounds {
		codes = append(codes, string(srs))
	}
	for alias := range aliases {
		codes = append(codes, alias)
	}
	sort.Strings(codes)
	return codes
}

// Resolve canonicalises an EPSG code, collapsing known aliases.
// Unsupported codes are rejected.
func Resolve(code string) (EPSG, error) {
	if alias, ok := aliases[code]; ok {
		return alias, nil
	}
	srs := EPSG(code)
	if _, ok := projBounds[srs]; !ok {
		return "", fmt.Errorf("unsupported projection %q", code)
	}
	return srs, nil
}

// Bounds returns the projection's native lon-lat extent.
func Bounds(srs EPSG) bbox.Bbox {
	return projBounds[srs]
}

// From4326 projects an EPSG:4326 point into srs native units.
func From4326(p orb.Point, srs EPSG) orb.Point {
	switch srs {
	case EPSG3857:
		return to3857(p)
	case EPSG3395:
		return to3395(p)
	default:
		return p
	}
}

// To4326 unprojects a point in srs native units back to EPSG:4326.
func To4326(p orb.Point, srs EPSG) orb.Point {
	switch srs {
	case EPSG3857:
		return from3857(p)
	case EPSG3395:
		return from3395(p)
	default:
		return p
	}
}

// BboxFrom4326 projects all four corners of a lon-lat box.
func BboxFrom4326(b bbox.Bbox, srs EPSG) bbox.Bbox {
	lo := From4326(orb.Point{b.MinLon, b.MinLat}, srs)
	hi := From4326(orb.Point{b.MaxLon, b.MaxLat}, srs)
	return bbox.Bbox{MinLon: lo[0], MinLat: lo[1], MaxLon: hi[0], MaxLat: hi[1]}
}

// BboxTo4326 unprojects a box given in srs native units.
func BboxTo4326(b bbox.Bbox, srs EPSG) bbox.Bbox {
	lo := To4326(orb.Point{b.MinLon, b.MinLat}, srs)
	hi := To4326(orb.Point{b.MaxLon, b.MaxLat}, srs)
	return bbox.Bbox{MinLon: lo[0], MinLat: lo[1], MaxLon: hi[0], MaxLat: hi[1]}
}

func to3857(p orb.Point) orb.Point {
	latRad := p.Lat() * math.Pi / 180.0
	x := p.Lon() * metersPerDegree
	y := math.Log(math.Tan(latRad)+1/math.Cos(latRad)) / math.Pi * mercatorLimit
	return orb.Point{x, y}
}

func from3857(p orb.Point) orb.Point {
	lon := p[0] / metersPerDegree
	lat := math.Asin(math.Tanh(p[1]/mercatorLimit*math.Pi)) * 180.0 / math.Pi
	return orb.Point{lon, lat}
}

func to3395(p orb.Point) orb.Point {
	e := wgs84Eccentricity
	latRad := p.Lat() * math.Pi / 180.0
	tmp := math.Tan(math.Pi/4.0 + latRad/2.0)
	powTmp := math.Pow(math.Tan(math.Pi/4.0+math.Asin(e*math.Sin(latRad))/2.0), e)
	x := p.Lon() * metersPerDegree
	y := wgs84Radius * math.Log(tmp/powTmp)
	return orb.Point{x, y}
}

// from3395 inverts the ellipsoidal Mercator by fixed-point iteration
// (at most 15 rounds, 1e-7 tolerance), matching the usual proj algorithm.
func from3395(p orb.Point) orb.Point {
	const (
		semiMinor = 6356752.3142
		tol       = 1e-7
		maxIter   = 15
	)
	temp := semiMinor / wgs84Radius
	eccent := math.Sqrt(1.0 - temp*temp)
	ts := math.Exp(-p[1] / wgs84Radius)
	eccnth := 0.5 * eccent
	phi := math.Pi/2 - 2.0*math.Atan(ts)
	dphi := 0.1
	for i := maxIter; math.Abs(dphi) > tol && i > 0; i-- {
		con := eccent * math.Sin(phi)
		dphi = math.Pi/2 - 2.0*math.Atan(ts*math.Pow((1.0-con)/(1.0+con), eccnth)) - phi
		phi += dphi
	}
	lon := p[0] / metersPerDegree
	return orb.Point{lon, phi * 180.0 / math.Pi}
}
