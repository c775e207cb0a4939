// Package config holds the static server configuration: process-wide
// defaults and the immutable layer table. Defaults are filled in at load
// time so the rest of the code never consults fallbacks.
package config

import (
	"fmt"
	"image/color"
	"sort"
	"strings"
	"time"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
	"github.com/spf13/viper"
)

// Fetch kinds a layer may declare. An empty kind means cache-only.
const (
	FetchTMS          = "tms"
	FetchTMSGoogleSat = "tms_google_sat"
)

// Cache backends a layer may declare.
const (
	CacheFile    = "file"
	CacheMBTiles = "mbtiles"
)

// DeadTile describes upstream responses that semantically mean
// "no data here" despite looking successful.
type DeadTile struct {
	HTTPStatus int                 `mapstructure:"http_status"`
	MD5        map[string]struct{} `mapstructure:"-"`
}

// TileShift is the declarative form of per-layer tile coordinate
// transforms: z' = z + ZoomOffset, and optionally y' = 2^z' - y - 1.
type TileShift struct {
	ZoomOffset int  `mapstructure:"zoom_offset"`
	InvertY    bool `mapstructure:"invert_y"`
}

// Layer is a single upstream tile source. Immutable after Load.
type Layer struct {
	ID              string            `mapstructure:"-"`
	Name            string            `mapstructure:"name"`
	Mimetype        string            `mapstructure:"mimetype"`
	Projection      proj.EPSG         `mapstructure:"-"`
	Bounds          bbox.Bbox         `mapstructure:"-"`
	MinZoom         int               `mapstructure:"min_zoom"`
	MaxZoom         int               `mapstructure:"max_zoom"`
	Scalable        bool              `mapstructure:"scalable"`
	Overlay         bool              `mapstructure:"overlay"`
	EmptyColor      string            `mapstructure:"empty_color"`
	EmptyColorDelta int               `mapstructure:"empty_color_delta"`
	CacheTTL        time.Duration     `mapstructure:"-"` // 0 = infinite
	Fetch           string            `mapstructure:"fetch"`
	RemoteURL       string            `mapstructure:"remote_url"`
	TileShift       *TileShift        `mapstructure:"tile_shift"`
	Headers         map[string]string `mapstructure:"headers"`
	DeadTile        *DeadTile         `mapstructure:"dead_tile"`
	CacheBackend    string            `mapstructure:"cache"`

	emptyRGBA color.NRGBA
}

// EmptyRGBA returns the parsed empty_color for canvas fills.
func (l *Layer) EmptyRGBA() color.NRGBA { return l.emptyRGBA }

// rawLayer is the YAML-facing shape before defaults and validation.
type rawLayer struct {
	Name            string            `mapstructure:"name"`
	Mimetype        string            `mapstructure:"mimetype"`
	Projection      string            `mapstructure:"projection"`
	Bounds          []float64         `mapstructure:"bounds"`
	MinZoom         *int              `mapstructure:"min_zoom"`
	MaxZoom         *int              `mapstructure:"max_zoom"`
	Scalable        bool              `mapstructure:"scalable"`
	Overlay         bool              `mapstructure:"overlay"`
	EmptyColor      string            `mapstructure:"empty_color"`
	EmptyColorDelta int               `mapstructure:"empty_color_delta"`
	CacheTTL        int64             `mapstructure:"cache_ttl"`
	Fetch           string            `mapstructure:"fetch"`
	RemoteURL       string            `mapstructure:"remote_url"`
	TileShift       *TileShift        `mapstructure:"tile_shift"`
	Headers         map[string]string `mapstructure:"headers"`
	DeadTile        *rawDeadTile      `mapstructure:"dead_tile"`
	CacheBackend    string            `mapstructure:"cache"`
}

type rawDeadTile struct {
	HTTPStatus int      `mapstructure:"http_status"`
	MD5        []string `mapstructure:"md5"`
}

// Config is the full process configuration.
type Config struct {
	CacheDir          string
	ServiceURL        string
	WMSName           string
	MaxRAMTiles       int
	MaxWidth          int
	MaxHeight         int
	JPEGQuality       int
	PNGOptimize       bool
	DefaultBackground string
	DefaultMimetype   string
	DefaultMinZoom    int
	DefaultMaxZoom    int
	FetchWorkers      int
	TNETTL            time.Duration
	DefaultHeaders    map[string]string
	Layers            map[string]*Layer
	LayerOrder        []string // layer ids in declaration-stable (sorted) order
}

// SetDefaults registers the process-wide defaults on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", "./cache")
	v.SetDefault("service_url", "http://localhost:8080/")
	v.SetDefault("wms_name", "tileproxy")
	v.SetDefault("max_ram_tiles", 1024)
	v.SetDefault("max_width", 4095)
	v.SetDefault("max_height", 4095)
	v.SetDefault("jpeg_quality", 75)
	v.SetDefault("png_optimize", false)
	v.SetDefault("default_background", "#ffffff")
	v.SetDefault("default_mimetype", "image/jpeg")
	v.SetDefault("default_min_zoom", 0)
	v.SetDefault("default_max_zoom", 19)
	v.SetDefault("fetch_workers_per_layer", 5)
	v.SetDefault("tne_ttl", "720h")
}

// Load decodes and validates the configuration from a viper instance.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		CacheDir:          v.GetString("cache_dir"),
		ServiceURL:        v.GetString("service_url"),
		WMSName:           v.GetString("wms_name"),
		MaxRAMTiles:       v.GetInt("max_ram_tiles"),
		MaxWidth:          v.GetInt("max_width"),
		MaxHeight:         v.GetInt("max_height"),
		JPEGQuality:       v.GetInt("jpeg_quality"),
		PNGOptimize:       v.GetBool("png_optimize"),
		DefaultBackground: v.GetString("default_background"),
		DefaultMimetype:   v.GetString("default_mimetype"),
		DefaultMinZoom:    v.GetInt("default_min_zoom"),
		DefaultMaxZoom:    v.GetInt("default_max_zoom"),
		FetchWorkers:      v.GetInt("fetch_workers_per_layer"),
		TNETTL:            v.GetDuration("tne_ttl"),
		DefaultHeaders:    v.GetStringMapString("default_headers"),
		Layers:            make(map[string]*Layer),
	}
	if !strings.HasSuffix(cfg.ServiceURL, "/") {
		cfg.ServiceURL += "/"
	}

	var raw map[string]rawLayer
	if err := v.UnmarshalKey("layers", &raw); err != nil {
		return nil, fmt.Errorf("failed to decode layers: %w", err)
	}

	for id, rl := range raw {
		layer, err := buildLayer(id, rl, cfg)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", id, err)
		}
		cfg.Layers[id] = layer
		cfg.LayerOrder = append(cfg.LayerOrder, id)
	}
	sort.Strings(cfg.LayerOrder)
	return cfg, nil
}

func buildLayer(id string, rl rawLayer, cfg *Config) (*Layer, error) {
	l := &Layer{
		ID:              id,
		Name:            rl.Name,
		Mimetype:        rl.Mimetype,
		MinZoom:         cfg.DefaultMinZoom,
		MaxZoom:         cfg.DefaultMaxZoom,
		Scalable:        rl.Scalable,
		Overlay:         rl.Overlay,
		EmptyColor:      rl.EmptyColor,
		EmptyColorDelta: rl.EmptyColorDelta,
		Fetch:           rl.Fetch,
		RemoteURL:       rl.RemoteURL,
		TileShift:       rl.TileShift,
		Headers:         rl.Headers,
		CacheBackend:    rl.CacheBackend,
	}
	if l.Name == "" {
		l.Name = id
	}
	if l.Mimetype == "" {
		l.Mimetype = cfg.DefaultMimetype
	}
	if !supportedMimetype(l.Mimetype) {
		return nil, fmt.Errorf("unsupported mimetype %q", l.Mimetype)
	}
	if rl.MinZoom != nil {
		l.MinZoom = *rl.MinZoom
	}
	if rl.MaxZoom != nil {
		l.MaxZoom = *rl.MaxZoom
	}
	if l.MinZoom < 0 || l.MaxZoom < l.MinZoom {
		return nil, fmt.Errorf("invalid zoom range [%d, %d]", l.MinZoom, l.MaxZoom)
	}

	code := rl.Projection
	if code == "" {
		code = string(proj.EPSG3857)
	}
	srs, err := proj.Resolve(code)
	if err != nil {
		return nil, err
	}
	l.Projection = srs

	switch len(rl.Bounds) {
	case 0:
		l.Bounds = proj.Bounds(srs)
	case 4:
		l.Bounds = bbox.New(rl.Bounds[0], rl.Bounds[1], rl.Bounds[2], rl.Bounds[3])
	default:
		return nil, fmt.Errorf("bounds must have 4 elements, got %d", len(rl.Bounds))
	}

	if rl.CacheTTL < 0 {
		return nil, fmt.Errorf("negative cache_ttl %d", rl.CacheTTL)
	}
	l.CacheTTL = time.Duration(rl.CacheTTL) * time.Second

	switch l.Fetch {
	case "", FetchTMS, FetchTMSGoogleSat:
	default:
		return nil, fmt.Errorf("unknown fetch kind %q", l.Fetch)
	}
	if l.Fetch == FetchTMS && l.RemoteURL == "" {
		return nil, fmt.Errorf("fetch %q requires remote_url", l.Fetch)
	}

	switch l.CacheBackend {
	case "":
		l.CacheBackend = CacheFile
	case CacheFile, CacheMBTiles:
	default:
		return nil, fmt.Errorf("unknown cache backend %q", l.CacheBackend)
	}

	if rl.DeadTile != nil {
		dt := &DeadTile{HTTPStatus: rl.DeadTile.HTTPStatus, MD5: make(map[string]struct{})}
		for _, sum := range rl.DeadTile.MD5 {
			dt.MD5[strings.ToLower(sum)] = struct{}{}
		}
		l.DeadTile = dt
	}

	ec := l.EmptyColor
	if ec == "" {
		ec = cfg.DefaultBackground
	}
	if err := l.setEmptyRGBA(ec); err != nil {
		return nil, fmt.Errorf("empty_color: %w", err)
	}

	return l, nil
}

// SetEmptyColor parses a hex colour and installs it as the layer's
// empty_color, marking the layer for transparency knockout.
func (l *Layer) SetEmptyColor(hex string) error {
	if err := l.setEmptyRGBA(hex); err != nil {
		return err
	}
	l.EmptyColor = hex
	return nil
}

func (l *Layer) setEmptyRGBA(hex string) error {
	rgba, err := ParseColor(hex)
	if err != nil {
		return err
	}
	l.emptyRGBA = rgba
	return nil
}

// ParseColor parses a #rgb, #rrggbb or #rrggbbaa hex colour string.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	var r, g, b, a uint8 = 0, 0, 0, 255
	var err error
	switch len(s) {
	case 3:
		_, err = fmt.Sscanf(s, "%1x%1x%1x", &r, &g, &b)
		r, g, b = r*17, g*17, b*17
	case 6:
		_, err = fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b)
	case 8:
		_, err = fmt.Sscanf(s, "%02x%02x%02x%02x", &r, &g, &b, &a)
	default:
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: r, G: g, B: b, A: a}, nil
}

func supportedMimetype(m string) bool {
	switch m {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}
