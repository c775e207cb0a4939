// Package wmsxml renders the service discovery documents: WMS 1.1.1
// GetCapabilities, WMTS 1.0.0 WMTSCapabilities.xml and the JOSM imagery
// maps.xml.
package wmsxml

import (
	"encoding/xml"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
)

const (
	xlinkNS = "http://www.w3.org/1999/xlink"
	owsNS   = "http://www.opengis.net/ows/1.1"
	wmtsNS  = "http://www.opengis.net/wmts/1.0"

	// Scale denominator of zoom 0 in the GoogleMapsCompatible matrix set:
	// earth circumference / 256 px / 0.28 mm OGC pixel.
	zeroScaleDenominator = 559082264.0287176

	tileMatrixLevels = 20
)

// WMSURL returns the WMS endpoint for the configured service root.
func WMSURL(cfg *config.Config) string { return cfg.ServiceURL + "wms" }

// WMSTileURL returns the WMS-C shorthand tile template of a layer, served
// in any projection through the compositor.
func WMSTileURL(cfg *config.Config, l *config.Layer) string {
	ext, _ := imaging.ExtensionByMime(l.Mimetype)
	return fmt.Sprintf("%swms/%s/{z}/{x}/{y}%s", cfg.ServiceURL, l.ID, ext)
}

// TMSTileURL returns the slippy-map tile template of a layer, served
// straight from the tile cache.
func TMSTileURL(cfg *config.Config, l *config.Layer) string {
	ext, _ := imaging.ExtensionByMime(l.Mimetype)
	return fmt.Sprintf("%stiles/%s/{z}/{x}/{y}%s", cfg.ServiceURL, l.ID, ext)
}

// WMTSTileURL returns the RESTful WMTS tile template of a layer.
func WMTSTileURL(cfg *config.Config, l *config.Layer) string {
	ext, _ := imaging.ExtensionByMime(l.Mimetype)
	return fmt.Sprintf("%swmts/%s/{TileMatrix}/{TileCol}/{TileRow}%s", cfg.ServiceURL, l.ID, ext)
}

type onlineResource struct {
	Type string `xml:"xlink:type,attr,omitempty"`
	Href string `xml:"xlink:href,attr"`
}

type dcpType struct {
	Get onlineResource `xml:"HTTP>Get>OnlineResource"`
}

type wmsRequestType struct {
	Formats []string `xml:"Format"`
	DCPType dcpType  `xml:"DCPType"`
}

type latLonBoundingBox struct {
	MinX string `xml:"minx,attr"`
	MinY string `xml:"miny,attr"`
	MaxX string `xml:"maxx,attr"`
	MaxY string `xml:"maxy,attr"`
}

type wmsLayer struct {
	Title  string            `xml:"Title"`
	Name   string            `xml:"Name"`
	LatLon latLonBoundingBox `xml:"LatLonBoundingBox"`
}

type wmsCapabilities struct {
	XMLName    xml.Name `xml:"WMT_MS_Capabilities"`
	Version    string   `xml:"version,attr"`
	XMLNSXlink string   `xml:"xmlns:xlink,attr"`

	Service struct {
		Name           string         `xml:"Name"`
		Title          string         `xml:"Title"`
		OnlineResource onlineResource `xml:"OnlineResource"`
	} `xml:"Service"`

	Capability struct {
		GetCapabilities  wmsRequestType `xml:"Request>GetCapabilities"`
		GetMap           wmsRequestType `xml:"Request>GetMap"`
		ExceptionFormats []string       `xml:"Exception>Format"`
		Layer            struct {
			Title  string     `xml:"Title"`
			SRS    []string   `xml:"SRS"`
			Layers []wmsLayer `xml:"Layer"`
		} `xml:"Layer"`
	} `xml:"Capability"`
}

// WMS111Capabilities builds the WMS 1.1.1 GetCapabilities document.
func WMS111Capabilities(cfg *config.Config) ([]byte, error) {
	doc := wmsCapabilities{
		Version:    "1.1.1",
		XMLNSXlink: xlinkNS,
	}
	doc.Service.Name = "OGC:WMS"
	doc.Service.Title = cfg.WMSName
	doc.Service.OnlineResource = onlineResource{Type: "simple", Href: WMSURL(cfg)}

	endpoint := dcpType{Get: onlineResource{Type: "simple", Href: WMSURL(cfg)}}
	doc.Capability.GetCapabilities = wmsRequestType{
		Formats: []string{"application/vnd.ogc.wms_xml"},
		DCPType: endpoint,
	}
	doc.Capability.GetMap = wmsRequestType{
		Formats: []string{"image/jpeg", "image/png", "image/webp"},
		DCPType: endpoint,
	}
	doc.Capability.ExceptionFormats = []string{
		"application/vnd.ogc.se_xml",
		"application/vnd.ogc.se_inimage",
		"application/vnd.ogc.se_blank",
	}

	doc.Capability.Layer.Title = cfg.WMSName
	doc.Capability.Layer.SRS = proj.Supported()
	for _, id := range cfg.LayerOrder {
		l := cfg.Layers[id]
		doc.Capability.Layer.Layers = append(doc.Capability.Layer.Layers, wmsLayer{
			Title: l.Name,
			Name:  id,
			LatLon: latLonBoundingBox{
				MinX: coord(l.Bounds.MinLon),
				MinY: coord(l.Bounds.MinLat),
				MaxX: coord(l.Bounds.MaxLon),
				MaxY: coord(l.Bounds.MaxLat),
			},
		})
	}
	return marshal(doc)
}

type wmtsCapabilities struct {
	XMLName    xml.Name `xml:"Capabilities"`
	XMLNS      string   `xml:"xmlns,attr"`
	XMLNSOws   string   `xml:"xmlns:ows,attr"`
	XMLNSXlink string   `xml:"xmlns:xlink,attr"`
	Version    string   `xml:"version,attr"`

	ServiceIdent wmtsServiceIdent
	Contents     wmtsContents
	MetadataURL  wmtsMetadataURL
}

type wmtsServiceIdent struct {
	XMLName xml.Name `xml:"ows:ServiceIdentification"`
	Title   string   `xml:"ows:Title"`
	Type    string   `xml:"ows:ServiceType"`
	Version string   `xml:"ows:ServiceTypeVersion"`
}

type wmtsMetadataURL struct {
	XMLName xml.Name `xml:"ServiceMetadataURL"`
	Href    string   `xml:"xlink:href,attr"`
}

type wmtsContents struct {
	XMLName       xml.Name `xml:"Contents"`
	Layers        []wmtsLayer
	TileMatrixSet wmtsTileMatrixSet
}

type wmtsLayer struct {
	XMLName     xml.Name       `xml:"Layer"`
	Title       string         `xml:"ows:Title"`
	WGS84Bounds wmts84Bounds   `xml:"ows:WGS84BoundingBox"`
	Identifier  string         `xml:"ows:Identifier"`
	Style       wmtsStyle      `xml:"Style"`
	Format      string         `xml:"Format"`
	MatrixLink  string         `xml:"TileMatrixSetLink>TileMatrixSet"`
	ResourceURL wmtsResourceURL
}

type wmts84Bounds struct {
	LowerCorner string `xml:"ows:LowerCorner"`
	UpperCorner string `xml:"ows:UpperCorner"`
}

type wmtsStyle struct {
	Identifier string `xml:"ows:Identifier"`
}

type wmtsResourceURL struct {
	XMLName      xml.Name `xml:"ResourceURL"`
	Format       string   `xml:"format,attr"`
	ResourceType string   `xml:"resourceType,attr"`
	Template     string   `xml:"template,attr"`
}

type wmtsTileMatrixSet struct {
	XMLName      xml.Name `xml:"TileMatrixSet"`
	Identifier   string   `xml:"ows:Identifier"`
	SupportedCRS string   `xml:"ows:SupportedCRS"`
	Matrices     []wmtsTileMatrix
}

type wmtsTileMatrix struct {
	XMLName          xml.Name `xml:"TileMatrix"`
	Identifier       string   `xml:"ows:Identifier"`
	ScaleDenominator string   `xml:"ScaleDenominator"`
	TopLeftCorner    string   `xml:"TopLeftCorner"`
	TileWidth        int      `xml:"TileWidth"`
	TileHeight       int      `xml:"TileHeight"`
	MatrixWidth      int      `xml:"MatrixWidth"`
	MatrixHeight     int      `xml:"MatrixHeight"`
}

// WMTSCapabilities builds the WMTS 1.0.0 ServiceMetadata document with the
// GoogleMapsCompatible tile matrix set.
func WMTSCapabilities(cfg *config.Config) ([]byte, error) {
	doc := wmtsCapabilities{
		XMLNS:      wmtsNS,
		XMLNSOws:   owsNS,
		XMLNSXlink: xlinkNS,
		Version:    "1.0.0",
		ServiceIdent: wmtsServiceIdent{
			Title:   cfg.WMSName,
			Type:    "OGC WMTS",
			Version: "1.0.0",
		},
		MetadataURL: wmtsMetadataURL{
			Href: cfg.ServiceURL + "wmts/1.0.0/WMTSCapabilities.xml",
		},
	}

	for _, id := range cfg.LayerOrder {
		l := cfg.Layers[id]
		doc.Contents.Layers = append(doc.Contents.Layers, wmtsLayer{
			Title: l.Name,
			WGS84Bounds: wmts84Bounds{
				LowerCorner: coord(l.Bounds.MinLon) + " " + coord(l.Bounds.MinLat),
				UpperCorner: coord(l.Bounds.MaxLon) + " " + coord(l.Bounds.MaxLat),
			},
			Identifier: id,
			Style:      wmtsStyle{Identifier: "default"},
			Format:     l.Mimetype,
			MatrixLink: "GoogleMapsCompatible",
			ResourceURL: wmtsResourceURL{
				Format:       l.Mimetype,
				ResourceType: "tile",
				Template:     WMTSTileURL(cfg, l),
			},
		})
	}

	doc.Contents.TileMatrixSet = googleMapsCompatible()
	return marshal(doc)
}

func googleMapsCompatible() wmtsTileMatrixSet {
	set := wmtsTileMatrixSet{
		Identifier:   "GoogleMapsCompatible",
		SupportedCRS: "EPSG:3857",
	}
	for level := 0; level < tileMatrixLevels; level++ {
		width := 1 << level
		set.Matrices = append(set.Matrices, wmtsTileMatrix{
			Identifier:       fmt.Sprintf("%02d", level),
			ScaleDenominator: strconv.FormatFloat(zeroScaleDenominator/math.Pow(2, float64(level)), 'f', -1, 64),
			TopLeftCorner:    "-20037508.342789244 20037508.342789244",
			TileWidth:        proj.TileSize,
			TileHeight:       proj.TileSize,
			MatrixWidth:      width,
			MatrixHeight:     width,
		})
	}
	return set
}

type josmImagery struct {
	XMLName xml.Name    `xml:"imagery"`
	Entries []josmEntry `xml:"entry"`
}

type josmEntry struct {
	Overlay     string       `xml:"overlay,attr,omitempty"`
	Default     string       `xml:"default"`
	Name        string       `xml:"name"`
	ID          string       `xml:"id"`
	Type        string       `xml:"type"`
	URL         string       `xml:"url"`
	Description string       `xml:"description"`
	Bounds      josmBounds   `xml:"bounds"`
	NoTileSums  []josmNoTile `xml:"no-tile-checksum"`
	Georef      string       `xml:"valid-georeference"`
	MaxZoom     int          `xml:"max-zoom"`
	MinZoom     *int         `xml:"min-zoom,omitempty"`
}

type josmBounds struct {
	MinLon string `xml:"min-lon,attr"`
	MinLat string `xml:"min-lat,attr"`
	MaxLon string `xml:"max-lon,attr"`
	MaxLat string `xml:"max-lat,attr"`
}

type josmNoTile struct {
	Type  string `xml:"type,attr"`
	Value string `xml:"value,attr"`
}

// JOSMMaps builds the JOSM imagery sites document (maps.xml). Layers in the
// native web Mercator projection point straight at the tile endpoint; the
// rest go through the reprojecting WMS shorthand.
func JOSMMaps(cfg *config.Config) ([]byte, error) {
	doc := josmImagery{}
	for _, id := range cfg.LayerOrder {
		l := cfg.Layers[id]
		entry := josmEntry{
			Default:     "true",
			Name:        cfg.WMSName + " " + id,
			ID:          sanitizeID(cfg.WMSName) + "_" + id,
			Type:        "tms",
			Description: l.Name,
			Bounds: josmBounds{
				MinLon: coord(l.Bounds.MinLon),
				MinLat: coord(l.Bounds.MinLat),
				MaxLon: coord(l.Bounds.MaxLon),
				MaxLat: coord(l.Bounds.MaxLat),
			},
			Georef:  "true",
			MaxZoom: l.MaxZoom,
		}
		if l.Overlay {
			entry.Overlay = "true"
		}
		if l.Projection == proj.EPSG3857 {
			entry.URL = WMTSTileURL(cfg, l)
		} else {
			entry.URL = WMSTileURL(cfg, l)
		}
		if l.DeadTile != nil {
			for sum := range l.DeadTile.MD5 {
				entry.NoTileSums = append(entry.NoTileSums, josmNoTile{Type: "MD5", Value: sum})
			}
			sort.Slice(entry.NoTileSums, func(i, j int) bool {
				return entry.NoTileSums[i].Value < entry.NoTileSums[j].Value
			})
		}
		if l.MinZoom > 0 {
			mz := l.MinZoom
			entry.MinZoom = &mz
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return marshal(doc)
}

func sanitizeID(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+'a'-'A')
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func marshal(doc any) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
