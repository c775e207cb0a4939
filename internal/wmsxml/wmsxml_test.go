package wmsxml

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
    remote_url: https://tile.openstreetmap.org/{z}/{x}/{y}.png
    max_zoom: 18
    dead_tile:
      md5: ["d41d8cd98f00b204e9800998ecf8427e"]
  relief:
    name: Hillshade
    projection: EPSG:4326
    overlay: true
    min_zoom: 2
    fetch: tms
    remote_url: https://relief.example.com/{z}/{x}/{y}.jpg
    mimetype: image/jpeg
    bounds: [19.0, 51.0, 33.0, 57.0]
`)))
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestWMS111Capabilities(t *testing.T) {
	cfg := testConfig(t)
	data, err := WMS111Capabilities(cfg)
	require.NoError(t, err)

	doc := string(data)
	assert.True(t, strings.HasPrefix(doc, xml.Header))
	assert.Contains(t, doc, `<WMT_MS_Capabilities version="1.1.1"`)
	assert.Contains(t, doc, "<Name>OGC:WMS</Name>")
	assert.Contains(t, doc, "<Title>Test Maps</Title>")
	assert.Contains(t, doc, `xlink:href="http://maps.example.com/wms"`)

	// Every accepted SRS is advertised, aliases included.
	for _, srs := range []string{"EPSG:4326", "EPSG:3857", "EPSG:3395", "EPSG:900913"} {
		assert.Contains(t, doc, "<SRS>"+srs+"</SRS>")
	}

	assert.Contains(t, doc, "<Name>osm</Name>")
	assert.Contains(t, doc, "<Title>OpenStreetMap</Title>")
	assert.Contains(t, doc, `<LatLonBoundingBox minx="19" miny="51" maxx="33" maxy="57"`)

	// Round-trips through the decoder.
	var parsed struct {
		Version string `xml:"version,attr"`
		Layers  []struct {
			Name string `xml:"Name"`
		} `xml:"Capability>Layer>Layer"`
	}
	require.NoError(t, xml.Unmarshal(data, &parsed))
	assert.Equal(t, "1.1.1", parsed.Version)
	require.Len(t, parsed.Layers, 2)
	assert.Equal(t, "osm", parsed.Layers[0].Name)
	assert.Equal(t, "relief", parsed.Layers[1].Name)
}

func TestWMTSCapabilities(t *testing.T) {
	cfg := testConfig(t)
	data, err := WMTSCapabilities(cfg)
	require.NoError(t, err)

	doc := string(data)
	assert.Contains(t, doc, `version="1.0.0"`)
	assert.Contains(t, doc, `xmlns="http://www.opengis.net/wmts/1.0"`)
	assert.Contains(t, doc, "<ows:Identifier>osm</ows:Identifier>")
	assert.Contains(t, doc, "<ows:Identifier>GoogleMapsCompatible</ows:Identifier>")
	assert.Contains(t, doc,
		`template="http://maps.example.com/wmts/osm/{TileMatrix}/{TileCol}/{TileRow}.png"`)
	assert.Contains(t, doc,
		`xlink:href="http://maps.example.com/wmts/1.0.0/WMTSCapabilities.xml"`)

	// Matrix set: zoom 0 scale denominator, halving per level.
	assert.Contains(t, doc, "<ScaleDenominator>559082264.0287176</ScaleDenominator>")
	assert.Contains(t, doc, "<ScaleDenominator>279541132.0143588</ScaleDenominator>")
	assert.Contains(t, doc, "<TopLeftCorner>-20037508.342789244 20037508.342789244</TopLeftCorner>")
	assert.Equal(t, 20, strings.Count(doc, "<TileMatrix>"))
	assert.Contains(t, doc, "<MatrixWidth>524288</MatrixWidth>")
}

func TestJOSMMaps(t *testing.T) {
	cfg := testConfig(t)
	data, err := JOSMMaps(cfg)
	require.NoError(t, err)

	doc := string(data)
	// Native web Mercator layer gets the direct tile endpoint.
	assert.Contains(t, doc,
		"<url>http://maps.example.com/wmts/osm/{TileMatrix}/{TileCol}/{TileRow}.png</url>")
	// Reprojected layer goes through the WMS shorthand.
	assert.Contains(t, doc,
		"<url>http://maps.example.com/wms/relief/{z}/{x}/{y}.jpg</url>")
	assert.Contains(t, doc, `<no-tile-checksum type="MD5" value="d41d8cd98f00b204e9800998ecf8427e"`)
	assert.Contains(t, doc, `overlay="true"`)
	assert.Contains(t, doc, "<min-zoom>2</min-zoom>")
	assert.Contains(t, doc, "<max-zoom>18</max-zoom>")
	assert.Contains(t, doc, `<bounds min-lon="19" min-lat="51" max-lon="33" max-lat="57"`)

	var parsed struct {
		Entries []struct {
			ID   string `xml:"id"`
			Type string `xml:"type"`
		} `xml:"entry"`
	}
	require.NoError(t, xml.Unmarshal(data, &parsed))
	require.Len(t, parsed.Entries, 2)
	assert.Equal(t, "test_maps_osm", parsed.Entries[0].ID)
	assert.Equal(t, "tms", parsed.Entries[0].Type)
}
