package fetcher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/tileproxy/internal/cache"
	"github.com/MeKo-Tech/tileproxy/internal/config"
	"github.com/MeKo-Tech/tileproxy/internal/imaging"
	"github.com/MeKo-Tech/tileproxy/internal/metrics"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
)

// googleVersionRe extracts the imagery version from the Google Maps JS API.
var googleVersionRe = regexp.MustCompile(`https://khms\d+\.googleapis\.com/kh\?v=(\d+)`)

const googleDiscoveryURL = "https://maps.googleapis.com/maps/api/js"

type fetchJob struct {
	key        cache.Key
	resultChan chan fetchResult
}

type fetchResult struct {
	img image.Image
	err error
}

// TileFetcher downloads one layer's tiles through a bounded worker pool.
// Every result, positive or negative, is written through to the layer's
// cache store before it is returned.
type TileFetcher struct {
	layer   *config.Layer
	store   cache.Store
	session *Session
	encode  imaging.Options
	log     *slog.Logger

	jobs      chan fetchJob
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once

	totalFetched atomic.Int64
	totalFailed  atomic.Int64

	// Google satellite URL discovery. The template expires server-side,
	// so a failed fetch drops it and the next fetch rediscovers.
	templateMu   sync.Mutex
	template     string
	discoveryURL string
}

// Options configure a TileFetcher beyond its layer record.
type Options struct {
	Workers        int
	QueueSize      int
	DefaultHeaders map[string]string
	Encode         imaging.Options
	Logger         *slog.Logger
}

// New builds a fetcher for one layer. Call Start before submitting work
// and Stop on shutdown.
func New(layer *config.Layer, store cache.Store, opts Options) *TileFetcher {
	if opts.Workers < 1 {
		opts.Workers = 5
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TileFetcher{
		layer:        layer,
		store:        store,
		session:      NewSession(MergeHeaders(opts.DefaultHeaders, layer.Headers)),
		encode:       opts.Encode,
		log:          opts.Logger.With("layer", layer.ID),
		jobs:         make(chan fetchJob, opts.QueueSize),
		workers:      opts.Workers,
		ctx:          ctx,
		cancel:       cancel,
		discoveryURL: googleDiscoveryURL,
	}
}

// Start launches the worker pool.
func (f *TileFetcher) Start() {
	f.startOnce.Do(func() {
		f.log.Info("starting fetch workers", "workers", f.workers)
		for i := 0; i < f.workers; i++ {
			f.wg.Add(1)
			go f.worker()
		}
	})
}

// Stop shuts the pool down and waits for in-flight fetches.
func (f *TileFetcher) Stop() {
	f.cancel()
	close(f.jobs)
	f.wg.Wait()
}

// Fetch queues a tile fetch and blocks until it resolves. A nil image
// with nil error means the tile is confirmed absent.
func (f *TileFetcher) Fetch(ctx context.Context, z, x, y int) (image.Image, error) {
	resultChan := make(chan fetchResult, 1)
	job := fetchJob{key: cache.Key{Z: z, X: x, Y: y}, resultChan: resultChan}

	select {
	case f.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ctx.Done():
		return nil, fmt.Errorf("fetcher is shutting down")
	}

	select {
	case res := <-resultChan:
		return res.img, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *TileFetcher) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case job, ok := <-f.jobs:
			if !ok {
				return
			}
			img, err := f.fetchTile(f.ctx, job.key)
			job.resultChan <- fetchResult{img: img, err: err}
		}
	}
}

// fetchTile resolves one tile: cache first, then upstream, then a last
// look at the cache when the network let us down.
func (f *TileFetcher) fetchTile(ctx context.Context, k cache.Key) (image.Image, error) {
	if k.Z < f.layer.MinZoom || k.Z > f.layer.MaxZoom {
		return nil, nil
	}

	if !cache.NeedsFetch(f.store, k) {
		if f.store.HasTNE(k) {
			return nil, nil
		}
		if img := f.readCached(k); img != nil {
			metrics.CacheHits.WithLabelValues(f.layer.ID, "hit").Inc()
			return img, nil
		}
	}
	metrics.CacheHits.WithLabelValues(f.layer.ID, "miss").Inc()

	img, fetchErr := f.fetchRemote(ctx, k)
	if img != nil || fetchErr == nil {
		return img, fetchErr
	}

	// Network failed: a stale cached tile still beats no tile.
	if img := f.readCached(k); img != nil {
		f.log.Warn("serving cached tile after fetch failure", "tile", k, "error", fetchErr)
		return img, nil
	}
	return nil, fetchErr
}

func (f *TileFetcher) fetchRemote(ctx context.Context, k cache.Key) (image.Image, error) {
	remote, err := f.remoteURL(ctx, k)
	if err != nil {
		return nil, err
	}
	if remote == "" {
		return nil, nil // cache-only layer
	}

	f.log.Info("fetching", "tile", k, "url", remote)
	status, body, err := f.session.Get(ctx, remote)
	if err != nil {
		f.totalFailed.Add(1)
		metrics.TileFetches.WithLabelValues(f.layer.ID, "error").Inc()
		f.invalidateTemplate()
		return nil, fmt.Errorf("tile %s: %w", k, err)
	}

	switch {
	case status == http.StatusNotFound:
		metrics.TileFetches.WithLabelValues(f.layer.ID, "tne").Inc()
		f.invalidateTemplate()
		return nil, f.store.WriteTNE(k)
	case status == http.StatusForbidden:
		// Access problem, not a missing tile. No marker: the tile may
		// appear once credentials are fixed.
		f.log.Error("access denied by upstream", "tile", k, "url", remote)
		metrics.TileFetches.WithLabelValues(f.layer.ID, "error").Inc()
		f.invalidateTemplate()
		return nil, nil
	}

	if dt := f.layer.DeadTile; dt != nil {
		if dt.HTTPStatus != 0 && status == dt.HTTPStatus {
			f.log.Warn("dead tile by status", "tile", k, "status", status)
			metrics.TileFetches.WithLabelValues(f.layer.ID, "tne").Inc()
			f.invalidateTemplate()
			return nil, f.store.WriteTNE(k)
		}
		if len(dt.MD5) > 0 {
			sum := md5.Sum(body)
			if _, dead := dt.MD5[hex.EncodeToString(sum[:])]; dead {
				f.log.Warn("dead tile by checksum", "tile", k)
				metrics.TileFetches.WithLabelValues(f.layer.ID, "tne").Inc()
				f.invalidateTemplate()
				return nil, f.store.WriteTNE(k)
			}
		}
	}

	img, mime, err := imaging.Decode(body)
	if err != nil {
		// Not an image: could be an error page or a truncated body.
		// No TNE, the tile may well exist.
		f.totalFailed.Add(1)
		metrics.TileFetches.WithLabelValues(f.layer.ID, "error").Inc()
		f.invalidateTemplate()
		return nil, fmt.Errorf("tile %s (HTTP %d): %w", k, status, err)
	}

	// Keep the original bytes when the format already matches; encoding
	// is lossy.
	stored := body
	if mime != f.layer.Mimetype {
		f.log.Warn("converting tile", "tile", k, "from", mime, "to", f.layer.Mimetype)
		stored, err = imaging.Encode(img, f.layer.Mimetype, f.encode)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", k, err)
		}
	}
	if err := f.store.WriteImage(k, stored); err != nil {
		return nil, err
	}
	f.totalFetched.Add(1)
	metrics.TileFetches.WithLabelValues(f.layer.ID, "ok").Inc()
	return img, nil
}

// remoteURL renders the layer's URL template for one tile.
func (f *TileFetcher) remoteURL(ctx context.Context, k cache.Key) (string, error) {
	var template string
	switch f.layer.Fetch {
	case config.FetchTMS:
		template = f.layer.RemoteURL
	case config.FetchTMSGoogleSat:
		var err error
		template, err = f.googleTemplate(ctx)
		if err != nil {
			return "", err
		}
	default:
		return "", nil
	}

	z, x, y := k.Z, k.X, k.Y
	if ts := f.layer.TileShift; ts != nil {
		z += ts.ZoomOffset
		if ts.InvertY {
			y = (1 << z) - y - 1
		}
	}

	remote := template
	remote = strings.ReplaceAll(remote, "{z}", strconv.Itoa(z))
	remote = strings.ReplaceAll(remote, "{x}", strconv.Itoa(x))
	remote = strings.ReplaceAll(remote, "{y}", strconv.Itoa(y))
	if strings.Contains(remote, "{-y}") {
		_, _, tmsY := proj.SlippyToTMS(z, x, y)
		remote = strings.ReplaceAll(remote, "{-y}", strconv.Itoa(tmsY))
	}
	remote = strings.ReplaceAll(remote, "{q}", proj.Quadkey(z, x, y))

	// WMS-backed sources take the tile extent in native units. The bbox
	// comes from the request coordinates, untouched by tile_shift.
	if strings.Contains(remote, "{bbox}") {
		srs := f.layer.Projection
		tb := proj.BboxFrom4326(proj.BboxByTile(k.Z, k.X, k.Y, srs), srs)
		remote = strings.ReplaceAll(remote, "{bbox}",
			fmt.Sprintf("%f,%f,%f,%f", tb.MinLon, tb.MinLat, tb.MaxLon, tb.MaxLat))
		remote = strings.ReplaceAll(remote, "{width}", strconv.Itoa(proj.TileSize))
		remote = strings.ReplaceAll(remote, "{height}", strconv.Itoa(proj.TileSize))
		remote = strings.ReplaceAll(remote, "{proj}", string(srs))
	}
	return remote, nil
}

// googleTemplate returns the cached satellite URL template, discovering
// the current imagery version from the Maps JS API when needed.
func (f *TileFetcher) googleTemplate(ctx context.Context) (string, error) {
	f.templateMu.Lock()
	defer f.templateMu.Unlock()
	if f.template != "" {
		return f.template, nil
	}

	status, body, err := f.session.Get(ctx, f.discoveryURL)
	if err != nil {
		return "", fmt.Errorf("imagery version discovery: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("imagery version discovery: HTTP %d", status)
	}
	m := googleVersionRe.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("imagery version not found in %s", f.discoveryURL)
	}
	f.template = fmt.Sprintf("https://kh.google.com/kh/v=%s?x={x}&y={y}&z={z}", m[1])
	f.log.Info("discovered satellite imagery url", "template", f.template)
	return f.template, nil
}

// invalidateTemplate drops a discovered URL template whenever a fetch
// came back without a tile; the imagery version may have expired.
func (f *TileFetcher) invalidateTemplate() {
	if f.layer.Fetch != config.FetchTMSGoogleSat {
		return
	}
	f.templateMu.Lock()
	f.template = ""
	f.templateMu.Unlock()
}

func (f *TileFetcher) readCached(k cache.Key) image.Image {
	data, err := f.store.Read(k)
	if err != nil {
		return nil
	}
	img, _, err := imaging.Decode(data)
	if err != nil {
		f.log.Error("broken tile in cache", "tile", k, "error", err)
		return nil
	}
	return img
}
