// Package server is the HTTP front-end: the WMS endpoint with its WMS-C
// tile shorthand, the slippy-map and WMTS tile endpoints, the capabilities
// documents and the Prometheus metrics.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/engine"
	"github.com/MeKo-Tech/tileproxy/internal/metrics"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
	"github.com/MeKo-Tech/tileproxy/internal/render"
	"github.com/MeKo-Tech/tileproxy/internal/wmsxml"
)

// Server serves the tile proxy HTTP API.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	comp   *render.Compositor
	log    *slog.Logger
}

// New builds a server over a populated engine and compositor.
func New(cfg *config.Config, e *engine.Engine, comp *render.Compositor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, engine: e, comp: comp, log: logger}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.instrument("landing", s.serveLanding))
	mux.HandleFunc("/wms", s.instrument("wms", s.serveWMS))
	mux.HandleFunc("/wms/", s.instrument("wms", s.serveWMS))
	mux.HandleFunc("/tiles/", s.instrument("tiles", s.serveTiles))
	mux.HandleFunc("/wmts/", s.instrument("wmts", s.serveWMTS))
	mux.HandleFunc("/josm/maps.xml", s.instrument("josm", s.serveJOSM))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// statusWriter remembers the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with CORS headers and request metrics.
func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.ObserveRequest(name, sw.status, start)
	}
}

func (s *Server) serveWMTS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/wmts/1.0.0/WMTSCapabilities.xml" {
		doc, err := wmsxml.WMTSCapabilities(s.cfg)
		if err != nil {
			s.log.Error("failed to build wmts capabilities", "error", err)
			http.Error(w, "failed to build capabilities", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.Write(doc)
		return
	}
	// Everything else under /wmts/ is a RESTful GetTile, same layout as
	// the slippy-map endpoint.
	s.serveTiles(w, r)
}

func (s *Server) serveJOSM(w http.ResponseWriter, r *http.Request) {
	doc, err := wmsxml.JOSMMaps(s.cfg)
	if err != nil {
		s.log.Error("failed to build josm imagery list", "error", err)
		http.Error(w, "failed to build imagery list", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write(doc)
}

func (s *Server) serveLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var b strings.Builder
	fmt.Fprintf(&b, "<!doctype html><html><head><title>%s</title></head><body>\n", s.cfg.WMSName)
	fmt.Fprintf(&b, "<h2>%s</h2>\n<ul>\n", s.cfg.WMSName)
	for _, id := range s.cfg.LayerOrder {
		l := s.cfg.Layers[id]
		fmt.Fprintf(&b, "<li><b>%s</b> (%s, %s)<br>", l.Name, l.Projection, l.Mimetype)
		fmt.Fprintf(&b, "WMS: <code>%s?layers=%s&amp;</code><br>", wmsxml.WMSURL(s.cfg), id)
		fmt.Fprintf(&b, "tms: <code>%s</code>", wmsxml.WMSTileURL(s.cfg, l))
		if l.Projection == proj.EPSG3857 {
			fmt.Fprintf(&b, "<br>tms: <code>%s</code>", wmsxml.TMSTileURL(s.cfg, l))
		}
		fmt.Fprintf(&b, "</li>\n")
	}
	fmt.Fprintf(&b, "</ul>\n")
	fmt.Fprintf(&b, `<p><a href="%swms?request=GetCapabilities">WMS capabilities</a> | `, s.cfg.ServiceURL)
	fmt.Fprintf(&b, `<a href="%swmts/1.0.0/WMTSCapabilities.xml">WMTS capabilities</a> | `, s.cfg.ServiceURL)
	fmt.Fprintf(&b, `<a href="%sjosm/maps.xml">JOSM imagery</a></p>`, s.cfg.ServiceURL)
	b.WriteString("\n</body></html>\n")
	fmt.Fprint(w, b.String())
}
