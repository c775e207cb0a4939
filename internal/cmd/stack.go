package cmd

import (
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tileproxy/internal/cache"
	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/engine"
	"github.com/MeKo-Tech/tileproxy/internal/fetcher"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
)

// stack bundles the pieces shared by the serve and preload commands:
// the loaded configuration and the tile engine with one store and one
// fetcher per layer.
type stack struct {
	cfg      *config.Config
	engine   *engine.Engine
	stores   []cache.Store
	fetchers []*fetcher.TileFetcher
}

func buildStack() (*stack, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("no layers configured")
	}

	e, err := engine.New(cfg.MaxRAMTiles, logger)
	if err != nil {
		return nil, err
	}

	st := &stack{cfg: cfg, engine: e}
	encode := encodeOptions(cfg)

	for _, id := range cfg.LayerOrder {
		l := cfg.Layers[id]
		store, err := openStore(cfg, l)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("layer %s: %w", id, err)
		}
		st.stores = append(st.stores, store)

		f := fetcher.New(l, store, fetcher.Options{
			Workers:        cfg.FetchWorkers,
			DefaultHeaders: cfg.DefaultHeaders,
			Encode:         encode,
			Logger:         logger,
		})
		f.Start()
		st.fetchers = append(st.fetchers, f)

		e.AddLayer(l, store, f)
		logger.Info("layer ready", "layer", id, "projection", l.Projection,
			"cache", l.CacheBackend, "fetch", l.Fetch)
	}

	return st, nil
}

func (s *stack) close() {
	for _, f := range s.fetchers {
		f.Stop()
	}
	for _, st := range s.stores {
		if err := st.Close(); err != nil {
			logger.Error("failed to close tile store", "error", err)
		}
	}
}

func encodeOptions(cfg *config.Config) imaging.Options {
	encode := imaging.DefaultOptions
	encode.JPEGQuality = cfg.JPEGQuality
	if cfg.PNGOptimize {
		encode.PNGCompression = png.BestCompression
	}
	if bg, err := config.ParseColor(cfg.DefaultBackground); err == nil {
		encode.Background = bg
	}
	return encode
}

// openStore builds a layer's persistent tile cache, either a MOBAC-style
// file tree or a single MBTiles database under the cache directory.
func openStore(cfg *config.Config, l *config.Layer) (cache.Store, error) {
	ext, err := imaging.ExtensionByMime(l.Mimetype)
	if err != nil {
		return nil, err
	}
	switch l.CacheBackend {
	case config.CacheMBTiles:
		return cache.NewMBTilesStore(
			filepath.Join(cfg.CacheDir, l.ID+".mbtiles"),
			l.Name,
			strings.TrimPrefix(ext, "."),
			l.CacheTTL, cfg.TNETTL,
		)
	default:
		return cache.NewFileStore(filepath.Join(cfg.CacheDir, l.ID), ext, l.CacheTTL, cfg.TNETTL)
	}
}
