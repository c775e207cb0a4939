package server

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tileproxy/internal/cache"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
)

// serveTiles handles /tiles/<layer>/<z>/<x>/<y><ext> and the WMTS REST
// equivalent: a strict pass-through of the cached tile bytes. A miss is a
// 404 and never triggers an upstream fetch; clients that want tiles
// produced on demand use the WMS endpoint. Layers in other projections
// also go through WMS.
func (s *Server) serveTiles(w http.ResponseWriter, r *http.Request) {
	layerID, z, x, y, ext, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if _, err := imaging.MimeByExtension(ext); err != nil {
		http.Error(w, "unsupported tile format", http.StatusBadRequest)
		return
	}

	l := s.engine.Layer(layerID)
	if l == nil {
		http.NotFound(w, r)
		return
	}
	if l.Config.Projection != proj.EPSG3857 {
		http.Error(w, "reprojection is not supported here, use the wms endpoint", http.StatusBadRequest)
		return
	}

	data, err := l.Store.Read(cache.Key{Z: z, X: x, Y: y})
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.log.Error("tile read failed", "layer", layerID, "z", z, "x", x, "y", y, "error", err)
		}
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", l.Config.Mimetype)
	w.Write(data)
}

// parseTilePath splits /tiles/<layer>/<z>/<x>/<y><ext>. The leading segment
// is ignored so the same parser serves /wmts/ paths.
func parseTilePath(requestPath string) (layer string, z, x, y int, ext string, ok bool) {
	parts := strings.Split(strings.Trim(requestPath, "/"), "/")
	if len(parts) < 5 {
		return "", 0, 0, 0, "", false
	}
	last := parts[len(parts)-1]
	ext = path.Ext(last)
	if ext == "" {
		return "", 0, 0, 0, "", false
	}

	var err error
	if z, err = strconv.Atoi(parts[len(parts)-3]); err != nil {
		return "", 0, 0, 0, "", false
	}
	if x, err = strconv.Atoi(parts[len(parts)-2]); err != nil {
		return "", 0, 0, 0, "", false
	}
	if y, err = strconv.Atoi(strings.TrimSuffix(last, ext)); err != nil {
		return "", 0, 0, 0, "", false
	}
	layer = strings.Join(parts[1:len(parts)-3], "/")
	if layer == "" {
		return "", 0, 0, 0, "", false
	}
	return layer, z, x, y, ext, true
}
