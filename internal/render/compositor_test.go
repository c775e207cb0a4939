package render

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/MeKo-Tech/tileproxy/internal/cache"
	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/engine"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource struct {
	tiles map[cache.Key]image.Image
}

func (s *mapSource) Fetch(_ context.Context, z, x, y int) (image.Image, error) {
	return s.tiles[cache.Key{Z: z, X: x, Y: y}], nil
}

func solidTile(c color.NRGBA) *image.NRGBA {
	return imaging.NewCanvas(proj.TileSize, proj.TileSize, c)
}

func testConfig() *config.Config {
	return &config.Config{
		MaxWidth:  4095,
		MaxHeight: 4095,
	}
}

// fillLevel populates an entire zoom level with one shared tile.
func fillLevel(tiles map[cache.Key]image.Image, z int, c color.NRGBA) {
	tile := solidTile(c)
	n := 1 << z
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			tiles[cache.Key{Z: z, X: x, Y: y}] = tile
		}
	}
}

func newCompositor(t *testing.T, layers map[string]*mapSource, cfgs map[string]*config.Layer) *Compositor {
	t.Helper()
	e, err := engine.New(256, nil)
	require.NoError(t, err)
	for id, src := range layers {
		store, err := cache.NewFileStore(t.TempDir(), ".png", 0, 0)
		require.NoError(t, err)
		e.AddLayer(cfgs[id], store, src)
	}
	return New(e, testConfig(), nil)
}

func baseLayerConfig(id string) *config.Layer {
	l := &config.Layer{
		ID:         id,
		Mimetype:   "image/png",
		Projection: proj.EPSG3857,
		Bounds:     proj.Bounds(proj.EPSG3857),
		MaxZoom:    8,
	}
	return l
}

func TestRenderSingleTileRegion(t *testing.T) {
	tiles := map[cache.Key]image.Image{}
	fillLevel(tiles, 5, color.NRGBA{R: 200, A: 255})
	c := newCompositor(t,
		map[string]*mapSource{"osm": {tiles: tiles}},
		map[string]*config.Layer{"osm": baseLayerConfig("osm")},
	)

	req := Request{
		Bbox:   proj.BboxByTile(5, 17, 11, proj.EPSG3857),
		SRS:    proj.EPSG3857,
		Width:  256,
		Height: 256,
		Layers: []string{"osm"},
	}
	img, err := c.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	assert.Equal(t, uint8(200), img.NRGBAAt(128, 128).R)
}

func TestRenderFillsMissingWithEmptyColor(t *testing.T) {
	cfg := baseLayerConfig("osm")
	require.NoError(t, cfg.SetEmptyColor("#f1eee8"))

	c := newCompositor(t,
		map[string]*mapSource{"osm": {tiles: map[cache.Key]image.Image{}}},
		map[string]*config.Layer{"osm": cfg},
	)

	req := Request{
		Bbox:   proj.BboxByTile(5, 17, 11, proj.EPSG3857),
		SRS:    proj.EPSG3857,
		Width:  64,
		Height: 64,
		Layers: []string{"osm"},
	}
	img, err := c.Render(context.Background(), req)
	require.NoError(t, err)
	p := img.NRGBAAt(32, 32)
	assert.Equal(t, uint8(0xf1), p.R)
	assert.Equal(t, uint8(0xee), p.G)
	assert.Equal(t, uint8(0xe8), p.B)
}

func TestRenderDefaultWidth(t *testing.T) {
	tiles := map[cache.Key]image.Image{}
	fillLevel(tiles, 0, color.NRGBA{B: 9, A: 255})
	fillLevel(tiles, 1, color.NRGBA{B: 9, A: 255})
	fillLevel(tiles, 2, color.NRGBA{B: 9, A: 255})
	c := newCompositor(t,
		map[string]*mapSource{"osm": {tiles: tiles}},
		map[string]*config.Layer{"osm": baseLayerConfig("osm")},
	)

	req := Request{
		Bbox:   bbox.New(-10, 40, 10, 50),
		SRS:    proj.EPSG4326,
		Layers: []string{"osm"},
	}
	img, err := c.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 350, img.Bounds().Dx(), "zero size defaults to 350px wide")
	assert.Greater(t, img.Bounds().Dy(), 0)
}

func TestRenderFlipsInvertedBbox(t *testing.T) {
	// Two-tone world: northern hemisphere red, southern blue, at every
	// zoom the renderer might pick.
	tiles := map[cache.Key]image.Image{}
	north := solidTile(color.NRGBA{R: 255, A: 255})
	south := solidTile(color.NRGBA{B: 255, A: 255})
	for z := 1; z <= 3; z++ {
		n := 1 << z
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				tile := image.Image(north)
				if y >= n/2 {
					tile = south
				}
				tiles[cache.Key{Z: z, X: x, Y: y}] = tile
			}
		}
	}
	c := newCompositor(t,
		map[string]*mapSource{"osm": {tiles: tiles}},
		map[string]*config.Layer{"osm": baseLayerConfig("osm")},
	)

	straight := Request{
		Bbox:   bbox.New(-120, -70, 120, 70),
		SRS:    proj.EPSG3857,
		Width:  256,
		Height: 256,
		Layers: []string{"osm"},
	}
	img, err := c.Render(context.Background(), straight)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), img.NRGBAAt(128, 20).R, "north is red")
	assert.Equal(t, uint8(255), img.NRGBAAt(128, 235).B, "south is blue")

	inverted := straight
	inverted.Bbox = bbox.New(-120, 70, 120, -70)
	img, err = c.Render(context.Background(), inverted)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), img.NRGBAAt(128, 20).B, "mirrored: south on top")
	assert.Equal(t, uint8(255), img.NRGBAAt(128, 235).R)
}

func TestRenderOverlayNoblend(t *testing.T) {
	baseTiles := map[cache.Key]image.Image{}
	fillLevel(baseTiles, 5, color.NRGBA{R: 200, A: 255})

	// Overlay tiles: left half content, right half background fill.
	overlayTile := solidTile(color.NRGBA{R: 241, G: 238, B: 232, A: 255})
	for y := 0; y < 256; y++ {
		for x := 0; x < 128; x++ {
			overlayTile.SetNRGBA(x, y, color.NRGBA{G: 250, A: 255})
		}
	}
	overlayTiles := map[cache.Key]image.Image{}
	n := 1 << 5
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			overlayTiles[cache.Key{Z: 5, X: x, Y: y}] = overlayTile
		}
	}

	overlayCfg := baseLayerConfig("relief")
	overlayCfg.Overlay = true
	require.NoError(t, overlayCfg.SetEmptyColor("#f1eee8"))
	overlayCfg.EmptyColorDelta = 3

	c := newCompositor(t,
		map[string]*mapSource{
			"base":   {tiles: baseTiles},
			"relief": {tiles: overlayTiles},
		},
		map[string]*config.Layer{
			"base":   baseLayerConfig("base"),
			"relief": overlayCfg,
		},
	)

	req := Request{
		Bbox:   proj.BboxByTile(5, 17, 11, proj.EPSG3857),
		SRS:    proj.EPSG3857,
		Width:  256,
		Height: 256,
		Layers: []string{"base", "relief"},
		Force:  map[string]bool{"noblend": true},
	}
	img, err := c.Render(context.Background(), req)
	require.NoError(t, err)

	// Where the overlay had content, it paints over the base.
	assert.Equal(t, uint8(250), img.NRGBAAt(64, 128).G)
	// Where the overlay was background, the base shows through.
	assert.Equal(t, uint8(200), img.NRGBAAt(192, 128).R)
}

func TestRenderOverlayBlend(t *testing.T) {
	baseTiles := map[cache.Key]image.Image{}
	fillLevel(baseTiles, 5, color.NRGBA{R: 200, A: 255})
	overlayTiles := map[cache.Key]image.Image{}
	fillLevel(overlayTiles, 5, color.NRGBA{A: 255}) // black

	c := newCompositor(t,
		map[string]*mapSource{
			"base": {tiles: baseTiles},
			"hyps": {tiles: overlayTiles},
		},
		map[string]*config.Layer{
			"base": baseLayerConfig("base"),
			"hyps": baseLayerConfig("hyps"),
		},
	)

	req := Request{
		Bbox:   proj.BboxByTile(5, 17, 11, proj.EPSG3857),
		SRS:    proj.EPSG3857,
		Width:  256,
		Height: 256,
		Layers: []string{"base", "hyps"},
	}
	img, err := c.Render(context.Background(), req)
	require.NoError(t, err)
	// Opaque black over red, blended 50/50.
	assert.InDelta(t, 100, int(img.NRGBAAt(128, 128).R), 2)
}

func TestRenderUnknownLayer(t *testing.T) {
	c := newCompositor(t, map[string]*mapSource{}, map[string]*config.Layer{})
	_, err := c.Render(context.Background(), Request{
		Bbox:   bbox.New(0, 0, 1, 1),
		SRS:    proj.EPSG3857,
		Layers: []string{"nope"},
	})
	assert.Error(t, err)
}
