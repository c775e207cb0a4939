package server

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tileproxy/internal/cache"
	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/engine"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
	"github.com/MeKo-Tech/tileproxy/internal/render"
)

// mapSource serves decoded tiles straight from a map, no network, and
// counts how often it is asked.
type mapSource struct {
	tiles map[cache.Key]image.Image
	calls int
}

func (s *mapSource) Fetch(_ context.Context, z, x, y int) (image.Image, error) {
	s.calls++
	return s.tiles[cache.Key{Z: z, X: x, Y: y}], nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
service_url: http://maps.example.com
wms_name: Test Maps
layers:
  osm:
    name: OpenStreetMap
    projection: EPSG:3857
    mimetype: image/png
    fetch: tms
    remote_url: https://tile.example.com/{z}/{x}/{y}.png
  relief:
    name: Hillshade
    projection: EPSG:4326
    mimetype: image/jpeg
    fetch: tms
    remote_url: https://relief.example.com/{z}/{x}/{y}.jpg
`)))
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

type testServer struct {
	*Server
	osmStore  *cache.FileStore
	osmSource *mapSource
	osmTiles  map[cache.Key]image.Image
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig(t)

	e, err := engine.New(64, nil)
	require.NoError(t, err)

	osmStore, err := cache.NewFileStore(t.TempDir(), ".png", 0, 0)
	require.NoError(t, err)
	osmTiles := map[cache.Key]image.Image{}
	osmSource := &mapSource{tiles: osmTiles}
	e.AddLayer(cfg.Layers["osm"], osmStore, osmSource)

	reliefStore, err := cache.NewFileStore(t.TempDir(), ".jpg", 0, 0)
	require.NoError(t, err)
	e.AddLayer(cfg.Layers["relief"], reliefStore, &mapSource{tiles: map[cache.Key]image.Image{}})

	comp := render.New(e, cfg, nil)
	return &testServer{
		Server:    New(cfg, e, comp, nil),
		osmStore:  osmStore,
		osmSource: osmSource,
		osmTiles:  osmTiles,
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func solidTile(c color.NRGBA) *image.NRGBA {
	return imaging.NewCanvas(proj.TileSize, proj.TileSize, c)
}

func fillLevel(tiles map[cache.Key]image.Image, z int, c color.NRGBA) {
	tile := solidTile(c)
	n := 1 << z
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			tiles[cache.Key{Z: z, X: x, Y: y}] = tile
		}
	}
}

func TestCapabilitiesEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := get(t, h, "/wms?ReQuEsT=GetCapabilities")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "WMT_MS_Capabilities")
	assert.Contains(t, rec.Body.String(), "<Name>osm</Name>")

	rec = get(t, h, "/wmts/1.0.0/WMTSCapabilities.xml")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "GoogleMapsCompatible")

	rec = get(t, h, "/josm/maps.xml")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<imagery>")
}

func TestLandingPage(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := get(t, h, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Test Maps")
	assert.Contains(t, rec.Body.String(), "OpenStreetMap")

	rec = get(t, h, "/no/such/page")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/tiles/osm/1/0/0.png", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTilesEndpoint(t *testing.T) {
	s := newTestServer(t)
	raw, err := imaging.Encode(solidTile(color.NRGBA{R: 200, A: 255}), "image/png", imaging.DefaultOptions)
	require.NoError(t, err)
	require.NoError(t, s.osmStore.WriteImage(cache.Key{Z: 5, X: 17, Y: 11}, raw))
	h := s.Handler()

	rec := get(t, h, "/tiles/osm/5/17/11.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, raw, rec.Body.Bytes(), "cached bytes are streamed untouched")

	// The WMTS REST endpoint serves the same tile.
	rec = get(t, h, "/wmts/osm/5/17/11.png")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, raw, rec.Body.Bytes())

	assert.Zero(t, s.osmSource.calls, "cached tiles never touch upstream")
}

func TestTilesEndpointMissNeverFetches(t *testing.T) {
	s := newTestServer(t)
	// The source could produce this tile, but the endpoint must not ask.
	s.osmTiles[cache.Key{Z: 10, X: 512, Y: 340}] = solidTile(color.NRGBA{R: 1, A: 255})
	h := s.Handler()

	rec := get(t, h, "/tiles/osm/10/512/340.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, s.osmSource.calls)
}

func TestTilesEndpointErrors(t *testing.T) {
	h := newTestServer(t).Handler()

	// Missing tile: 404, not a blank image.
	assert.Equal(t, http.StatusNotFound, get(t, h, "/tiles/osm/5/17/11.png").Code)
	// Unknown layer.
	assert.Equal(t, http.StatusNotFound, get(t, h, "/tiles/nope/1/0/0.png").Code)
	// Unsupported format.
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/tiles/osm/1/0/0.bmp").Code)
	// Layer not in web Mercator.
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/tiles/relief/1/0/0.jpg").Code)
	// Malformed path.
	assert.Equal(t, http.StatusNotFound, get(t, h, "/tiles/osm/one/two/three.png").Code)
}

func TestWMSCFastPath(t *testing.T) {
	s := newTestServer(t)
	raw, err := imaging.Encode(solidTile(color.NRGBA{G: 123, A: 255}), "image/png", imaging.DefaultOptions)
	require.NoError(t, err)
	require.NoError(t, s.osmStore.WriteImage(cache.Key{Z: 5, X: 17, Y: 11}, raw))
	h := s.Handler()

	rec := get(t, h, "/wms/osm/5/17/11.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, raw, rec.Body.Bytes(), "cached bytes are streamed untouched")
}

func TestWMSGetTileAliasSRS(t *testing.T) {
	s := newTestServer(t)
	raw, err := imaging.Encode(solidTile(color.NRGBA{B: 77, A: 255}), "image/png", imaging.DefaultOptions)
	require.NoError(t, err)
	require.NoError(t, s.osmStore.WriteImage(cache.Key{Z: 5, X: 17, Y: 11}, raw))
	h := s.Handler()

	// EPSG:900913 is the layer's native grid under another name; the
	// cached bytes are still streamed untouched.
	rec := get(t, h, "/wms?request=GetTile&layers=osm&srs=EPSG:900913&z=5&x=17&y=11&format=image/png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, raw, rec.Body.Bytes())
	assert.Zero(t, s.osmSource.calls)
}

func TestWMSGetMap(t *testing.T) {
	s := newTestServer(t)
	fillLevel(s.osmTiles, 3, color.NRGBA{B: 210, A: 255})
	h := s.Handler()

	b := proj.BboxByTile(5, 17, 11, proj.EPSG3857)
	target := fmt.Sprintf(
		"/wms?request=GetMap&layers=osm&srs=EPSG:4326&width=64&height=64&format=image/png&bbox=%f,%f,%f,%f",
		b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)

	rec := get(t, h, target)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, _, err := imaging.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 64, img.Bounds().Dy())
	assert.Equal(t, uint8(210), imaging.ToNRGBA(img).NRGBAAt(32, 32).B)
}

func TestWMSErrors(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := get(t, h, "/wms?request=GetMap")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/wms?layers=osm&format=image/tiff")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "invalid image format")

	rec = get(t, h, "/wms?layers=osm&srs=EPSG:2154&bbox=0,0,1,1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/wms?layers=nope&width=32&height=32")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
