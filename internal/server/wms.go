package server

import (
	"fmt"
	"image/png"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/MeKo-Tech/tileproxy/internal/cache"
	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
	"github.com/MeKo-Tech/tileproxy/internal/render"
	"github.com/MeKo-Tech/tileproxy/internal/wmsxml"
)

// serveWMS handles GetCapabilities, GetMap and GetTile requests, plus the
// WMS-C shorthand /wms/<layer>/<z>/<x>/<y><ext>.
func (s *Server) serveWMS(w http.ResponseWriter, r *http.Request) {
	params := foldParams(r.URL.Query())
	if p, ok := parseWMSCPath(r.URL.Path); ok {
		params = p
	}

	reqType := params["request"]
	if reqType == "" {
		reqType = "GetMap"
	}
	if reqType == "GetCapabilities" {
		doc, err := wmsxml.WMS111Capabilities(s.cfg)
		if err != nil {
			s.log.Error("failed to build wms capabilities", "error", err)
			http.Error(w, "failed to build capabilities", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.Write(doc)
		return
	}

	if params["layers"] == "" {
		http.Error(w, "no layers requested", http.StatusBadRequest)
		return
	}
	layers := strings.Split(params["layers"], ",")

	force := map[string]bool{}
	if params["force"] != "" {
		for _, f := range strings.Split(params["force"], ",") {
			force[f] = true
		}
	}

	mimetype := s.cfg.DefaultMimetype
	if params["format"] != "" {
		mimetype = params["format"]
		if _, err := imaging.ExtensionByMime(mimetype); err != nil {
			http.Error(w, fmt.Sprintf("invalid image format %q requested", mimetype),
				http.StatusInternalServerError)
			return
		}
	}

	z := atoiDefault(params["z"], 0)
	x := atoiDefault(params["x"], 0)
	y := atoiDefault(params["y"], 0)

	// 1.3.0 says crs, 1.1.1 says srs.
	srsCode := params["crs"]
	if srsCode == "" {
		srsCode = params["srs"]
	}
	if srsCode == "" {
		srsCode = "EPSG:4326"
	}

	if reqType == "GetTile" {
		// Tiles default to the web Mercator grid.
		if params["crs"] == "" && params["srs"] == "" {
			srsCode = string(proj.EPSG3857)
		}
		if data, l := s.cachedTile(params, layers, srsCode, force, z, x, y); data != nil {
			w.Header().Set("Content-Type", l.Mimetype)
			w.Write(data)
			return
		}
	}

	srs, err := proj.Resolve(srsCode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b := proj.BboxByTile(z, x, y, srs)
	if params["bbox"] != "" {
		pb, err := parseBbox(params["bbox"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b = proj.BboxTo4326(pb, srs)
	}

	req := render.Request{
		Bbox:   b,
		SRS:    srs,
		Width:  atoiDefault(params["width"], 0),
		Height: atoiDefault(params["height"], 0),
		Layers: layers,
		Force:  force,
	}
	img, err := s.comp.Render(r.Context(), req)
	if err != nil {
		s.log.Warn("render failed", "layers", params["layers"], "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := imaging.Encode(img, mimetype, s.encodeOptions())
	if err != nil {
		s.log.Error("map encode failed", "mimetype", mimetype, "error", err)
		http.Error(w, "failed to encode map", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimetype)
	w.Write(data)
}

// cachedTile is the GetTile fast path: a single known layer asked in its
// native grid, at native size, with no rendering switches and no cache
// expiry, streams straight from the tile store without decoding.
func (s *Server) cachedTile(params map[string]string, layers []string, srsCode string, force map[string]bool, z, x, y int) ([]byte, *config.Layer) {
	if len(layers) != 1 || len(force) != 0 {
		return nil, nil
	}
	l := s.engine.Layer(layers[0])
	if l == nil || l.Config.CacheTTL != 0 {
		return nil, nil
	}
	// Aliases like EPSG:900913 still count as the layer's native grid.
	srs, err := proj.Resolve(srsCode)
	if err != nil || srs != l.Config.Projection {
		return nil, nil
	}
	if atoiDefault(params["width"], proj.TileSize) != proj.TileSize ||
		atoiDefault(params["height"], proj.TileSize) != proj.TileSize {
		return nil, nil
	}
	data, err := l.Store.Read(cache.Key{Z: z, X: x, Y: y})
	if err != nil {
		return nil, nil
	}
	s.log.Debug("tile cache hit", "layer", l.Config.ID, "z", z, "x", x, "y", y)
	return data, l.Config
}

// parseWMSCPath turns /wms/<layer>/<z>/<x>/<y><ext> into GetTile params.
func parseWMSCPath(requestPath string) (map[string]string, bool) {
	layer, z, x, y, ext, ok := parseTilePath(requestPath)
	if !ok {
		return nil, false
	}
	mimetype, err := imaging.MimeByExtension(ext)
	if err != nil {
		mimetype = "image/jpeg"
	}
	return map[string]string{
		"request": "GetTile",
		"layers":  layer,
		"z":       strconv.Itoa(z),
		"x":       strconv.Itoa(x),
		"y":       strconv.Itoa(y),
		"format":  mimetype,
	}, true
}

// foldParams lowercases query keys; WMS keys are case-insensitive.
func foldParams(query url.Values) map[string]string {
	params := make(map[string]string, len(query))
	for k, vs := range query {
		if len(vs) > 0 {
			params[strings.ToLower(k)] = vs[0]
		}
	}
	return params
}

func parseBbox(s string) (bbox.Bbox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return bbox.Bbox{}, fmt.Errorf("bbox needs 4 comma-separated values, got %d", len(parts))
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bbox.Bbox{}, fmt.Errorf("invalid bbox value %q", p)
		}
		vals[i] = v
	}
	return bbox.New(vals[0], vals[1], vals[2], vals[3]), nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// encodeOptions maps the process configuration onto the codec.
func (s *Server) encodeOptions() imaging.Options {
	opts := imaging.DefaultOptions
	opts.JPEGQuality = s.cfg.JPEGQuality
	if s.cfg.PNGOptimize {
		opts.PNGCompression = png.BestCompression
	}
	if bg, err := config.ParseColor(s.cfg.DefaultBackground); err == nil {
		opts.Background = bg
	}
	return opts
}
