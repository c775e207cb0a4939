// Package render assembles map images from tiles: it picks a zoom level
// for the requested box, lays the tiles out on a mosaic, crops, resizes or
// quad-warps to the output size, and stacks layers with optional
// transparency knockout.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/engine"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
)

// Request describes one map rendering job. Bbox is geographic (EPSG:4326)
// and may be unnormalized; SRS is the projection the client asked in.
type Request struct {
	Bbox   bbox.Bbox
	SRS    proj.EPSG
	Width  int
	Height int
	Layers []string
	Force  map[string]bool // noblend, noresize, nocorrect
}

// Compositor renders multi-layer map images through the tile engine.
type Compositor struct {
	engine *engine.Engine
	cfg    *config.Config
	log    *slog.Logger
}

// New builds a compositor.
func New(e *engine.Engine, cfg *config.Config, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{engine: e, cfg: cfg, log: logger}
}

// Render produces the requested map image. Layers stack bottom-up: the
// first is the base, each further layer is knocked out around its
// empty_color (when configured) and alpha-blended on top.
func (c *Compositor) Render(ctx context.Context, req Request) (*image.NRGBA, error) {
	if len(req.Layers) == 0 {
		return nil, fmt.Errorf("no layers requested")
	}
	b, flipH := bbox.Normalize(req.Bbox)

	w := min(req.Width, c.cfg.MaxWidth)
	h := min(req.Height, c.cfg.MaxHeight)
	if w == 0 && h == 0 {
		w = 350
	}

	result, err := c.bboxImage(ctx, b, req.SRS, h, w, req.Layers[0], req.Force)
	if err != nil {
		return nil, err
	}

	for _, id := range req.Layers[1:] {
		overlay, err := c.bboxImage(ctx, b, req.SRS, h, w, id, req.Force)
		if err != nil {
			return nil, err
		}
		cfg := c.engine.Layer(id).Config
		if cfg.EmptyColor != "" {
			overlay = imaging.MakeTransparent(overlay, cfg.EmptyRGBA(), cfg.EmptyColorDelta)
		}
		rb := result.Bounds()
		if overlay.Bounds() != rb {
			overlay = imaging.Resize(overlay, rb.Dx(), rb.Dy())
		}

		composited := image.NewNRGBA(rb)
		copy(composited.Pix, result.Pix)
		imaging.AlphaOver(composited, overlay)

		if req.Force["noblend"] {
			result = composited
		} else {
			result = imaging.Blend(composited, result)
		}
	}

	if flipH {
		result = imaging.FlipV(result)
	}
	return result, nil
}

// bboxImage renders one layer over a normalized geographic box.
func (c *Compositor) bboxImage(ctx context.Context, b bbox.Bbox, srs proj.EPSG, h, w int, layerID string, force map[string]bool) (*image.NRGBA, error) {
	l := c.engine.Layer(layerID)
	if l == nil {
		return nil, fmt.Errorf("unknown layer %q", layerID)
	}
	layerSRS := l.Config.Projection

	// Four-corner box: project, swap the x corners, unproject. For large
	// areas the projected request is not a rectangle in geographic
	// space; the expanded box covers all of it.
	pb := proj.BboxFrom4326(b, srs)
	swapped := proj.BboxTo4326(bbox.Bbox{MinLon: pb.MaxLon, MinLat: pb.MinLat, MaxLon: pb.MinLon, MaxLat: pb.MaxLat}, srs)
	corners := []orb.Point{
		{swapped.MaxLon, swapped.MaxLat}, // nw
		{b.MinLon, b.MinLat},             // sw
		{swapped.MinLon, swapped.MinLat}, // se
		{b.MaxLon, b.MaxLat},             // ne
	}
	bb := bbox.ExpandToPoints(b, corners)

	zoom := proj.ZoomForBbox(bb, [2]int{h, w}, layerSRS,
		l.Config.MinZoom, l.Config.MaxZoom,
		[2]int{c.cfg.MaxHeight, c.cfg.MaxWidth})

	fromX, fromY, toX, toY := proj.TileByBbox(bb, zoom, layerSRS)
	fxI, cutFromX := splitTileCoord(fromX)
	fyI, cutFromY := splitTileCoord(fromY)
	txI, cutToX := splitTileCoord(toX)
	tyI, cutToY := splitTileCoord(toY)

	crop := image.Rect(
		cutFromX,
		cutToY,
		proj.TileSize*(txI-fxI)+cutToX,
		proj.TileSize*(fyI-tyI)+cutFromY,
	)

	canvas := imaging.NewCanvas(
		proj.TileSize*(txI-fxI+1),
		proj.TileSize*(fyI-tyI+1),
		color.NRGBA{},
	)
	for x := fxI; x <= txI; x++ {
		for y := tyI; y <= fyI; y++ {
			tile, err := c.engine.Tile(ctx, layerID, zoom, x, y)
			if err != nil {
				c.log.Warn("tile unavailable", "layer", layerID, "z", zoom, "x", x, "y", y, "error", err)
			}
			if tile == nil {
				tile = imaging.NewCanvas(proj.TileSize, proj.TileSize, l.Config.EmptyRGBA())
			}
			imaging.Paste(canvas, tile, image.Pt((x-fxI)*proj.TileSize, (y-tyI)*proj.TileSize))
		}
	}

	out := imaging.Crop(canvas, crop)

	if !force["noresize"] {
		ob := out.Bounds()
		switch {
		case h == 0 && w == 0:
			w, h = ob.Dx(), ob.Dy()
		case h == 0:
			h = ob.Dy() * w / ob.Dx()
		case w == 0:
			w = ob.Dx() * h / ob.Dy()
		}
	}

	// Map the four corners into mosaic pixel space. When any lands away
	// from the mosaic edge, the request is not axis-aligned with the
	// layer grid and needs a quad warp instead of a plain resize.
	ob := out.Bounds()
	var quad [8]float64
	transNeeded := false
	for i, p := range corners {
		qx := math.Round((p[0] - bb.MinLon) / (bb.MaxLon - bb.MinLon) * float64(ob.Dx()))
		qy := math.Round((1 - (p[1]-bb.MinLat)/(bb.MaxLat-bb.MinLat)) * float64(ob.Dy()))
		if (qx != 0 && qx != float64(ob.Dx())) || (qy != 0 && qy != float64(ob.Dy())) {
			transNeeded = true
		}
		quad[2*i] = qx
		quad[2*i+1] = qy
	}

	switch {
	case transNeeded && !force["nocorrect"]:
		out = imaging.WarpQuad(out, quad, w, h)
	case w != ob.Dx() || h != ob.Dy():
		out = imaging.Resize(out, w, h)
	}
	return out, nil
}

// splitTileCoord splits a fractional tile coordinate into the tile index
// and the pixel offset inside that tile.
func splitTileCoord(v float64) (int, int) {
	i := int(v)
	return i, int(proj.TileSize * (v - float64(i)))
}
