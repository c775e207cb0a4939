// Package engine resolves single tiles for the rendering pipeline. It
// layers an in-memory LRU over the per-layer fetchers and synthesizes
// missing tiles from neighbouring zoom levels when it can: four resolved
// children scale down into their parent, and a parent quadrant scales up
// into a missing child.
package engine

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/MeKo-Tech/tileproxy/internal/cache"
	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/metrics"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
)

// TileSource produces a layer's tiles, typically by HTTP fetch through the
// persistent cache. A nil image with nil error means the tile is
// confirmed absent.
type TileSource interface {
	Fetch(ctx context.Context, z, x, y int) (image.Image, error)
}

// Layer bundles everything the engine needs to resolve one layer's tiles.
type Layer struct {
	Config *config.Layer
	Store  cache.Store
	Source TileSource
}

type tileKey struct {
	layer   string
	z, x, y int
}

// Engine serves tiles for all configured layers.
type Engine struct {
	layers map[string]*Layer
	lru    *lru.Cache[tileKey, image.Image]
	log    *slog.Logger
}

// New builds an engine holding at most maxTiles decoded tiles in memory.
func New(maxTiles int, logger *slog.Logger) (*Engine, error) {
	if maxTiles < 1 {
		maxTiles = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := lru.New[tileKey, image.Image](maxTiles)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile lru: %w", err)
	}
	return &Engine{
		layers: make(map[string]*Layer),
		lru:    c,
		log:    logger,
	}, nil
}

// AddLayer registers a layer with the engine.
func (e *Engine) AddLayer(cfg *config.Layer, store cache.Store, src TileSource) {
	e.layers[cfg.ID] = &Layer{Config: cfg, Store: store, Source: src}
}

// Layer returns a registered layer, or nil.
func (e *Engine) Layer(id string) *Layer {
	return e.layers[id]
}

// Tile resolves one tile with full quality recovery: a missing tile may
// be stitched from its children or blown up from an ancestor. The x
// coordinate wraps around the antimeridian. A nil image with nil error
// means there is no data for this tile.
func (e *Engine) Tile(ctx context.Context, layerID string, z, x, y int) (image.Image, error) {
	l, ok := e.layers[layerID]
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", layerID)
	}
	return e.resolve(ctx, l, z, x, y, true, true)
}

// resolve is the engine core. tryBetter permits downscale synthesis from
// children; real permits upscale synthesis from an ancestor, trading
// quality for an answer.
func (e *Engine) resolve(ctx context.Context, l *Layer, z, x, y int, tryBetter, real bool) (image.Image, error) {
	if z < l.Config.MinZoom || z > l.Config.MaxZoom {
		return nil, nil
	}
	n := 1 << z
	x = ((x % n) + n) % n
	if y < 0 || y >= n {
		return nil, nil
	}
	if !bbox.Intersects(l.Config.Bounds, proj.BboxByTile(z, x, y, l.Config.Projection)) {
		return nil, nil
	}

	key := tileKey{layer: l.Config.ID, z: z, x: x, y: y}
	if img, ok := e.lru.Get(key); ok {
		return img, nil
	}

	var img image.Image
	if tryBetter && l.Config.Scalable && z < l.Config.MaxZoom {
		img = e.downscaled(ctx, l, z, x, y)
	}

	var fetchErr error
	if img == nil {
		img, fetchErr = l.Source.Fetch(ctx, z, x, y)
		if fetchErr != nil {
			e.log.Error("tile fetch failed", "layer", l.Config.ID,
				"tile", cache.Key{Z: z, X: x, Y: y}, "error", fetchErr)
		}
	}

	if img == nil && real {
		img = e.upscaled(ctx, l, z, x, y)
	}

	if img != nil {
		e.put(key, img)
		return img, nil
	}
	return nil, fetchErr
}

// put stores a tile in the in-memory cache. Synthesized tiles never reach
// the persistent cache; they are derived data and would shadow real
// upstream tiles.
func (e *Engine) put(key tileKey, img image.Image) {
	e.lru.Add(key, img)
	metrics.RAMCacheTiles.Set(float64(e.lru.Len()))
}

// downscaled stitches the four children of a tile into a 512px mosaic and
// scales it down to tile size. Children resolve with synthesis allowed,
// so the walk descends as deep as the cache can feed it; the maxZoom gate
// bounds the recursion. The first missing child aborts.
func (e *Engine) downscaled(ctx context.Context, l *Layer, z, x, y int) image.Image {
	canvas := imaging.NewCanvas(2*proj.TileSize, 2*proj.TileSize, l.Config.EmptyRGBA())
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			child, err := e.resolve(ctx, l, z+1, 2*x+dx, 2*y+dy, true, false)
			if err != nil || child == nil {
				return nil
			}
			imaging.Paste(canvas, child, image.Pt(dx*proj.TileSize, dy*proj.TileSize))
		}
	}
	return imaging.Resize(canvas, proj.TileSize, proj.TileSize)
}

// upscaled blows up the matching quadrant of the parent tile. The parent
// resolves with upscaling allowed, so this climbs towards minZoom until
// something exists.
func (e *Engine) upscaled(ctx context.Context, l *Layer, z, x, y int) image.Image {
	parent, err := e.resolve(ctx, l, z-1, x/2, y/2, false, true)
	if err != nil || parent == nil {
		return nil
	}
	half := proj.TileSize / 2
	qx, qy := (x%2)*half, (y%2)*half
	quadrant := imaging.Crop(parent, image.Rect(qx, qy, qx+half, qy+half))
	return imaging.ResizeBilinear(quadrant, proj.TileSize, proj.TileSize)
}
