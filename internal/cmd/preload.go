package cmd

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/MeKo-Tech/tileproxy/internal/proj"
	"github.com/MeKo-Tech/tileproxy/internal/worker"
)

var preloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Prefetch tiles for a region into the cache",
	Long: `Preload walks a bounding box across a zoom range and fetches every
covered tile of a layer through the regular fetch pipeline, so the
persistent cache is warm before the server goes live.`,
	RunE: runPreload,
}

func init() {
	rootCmd.AddCommand(preloadCmd)

	preloadCmd.Flags().StringP("layer", "l", "", "Layer to preload (required)")
	preloadCmd.Flags().String("bbox", "", "Bounding box: minLon,minLat,maxLon,maxLat (default: layer bounds)")
	preloadCmd.Flags().Int("zoom-min", 0, "Lowest zoom level to preload")
	preloadCmd.Flags().Int("zoom-max", 0, "Highest zoom level to preload")
	preloadCmd.Flags().IntP("workers", "w", 0, "Number of parallel workers (default: number of CPUs)")
	preloadCmd.Flags().Bool("progress", true, "Show a progress bar")
	preloadCmd.Flags().Bool("allow-failures", false, "Exit zero even if some tiles fail")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"preload.layer", "layer"},
		{"preload.bbox", "bbox"},
		{"preload.zoom_min", "zoom-min"},
		{"preload.zoom_max", "zoom-max"},
		{"preload.workers", "workers"},
		{"preload.progress", "progress"},
		{"preload.allow_failures", "allow-failures"},
	}
	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, preloadCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runPreload(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	layerID := viper.GetString("preload.layer")
	if layerID == "" {
		return fmt.Errorf("--layer is required")
	}

	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	l, ok := st.cfg.Layers[layerID]
	if !ok {
		return fmt.Errorf("unknown layer %q, configured: %s",
			layerID, strings.Join(st.cfg.LayerOrder, ", "))
	}

	b := l.Bounds
	if s := viper.GetString("preload.bbox"); s != "" {
		b, err = parseBboxFlag(s)
		if err != nil {
			return err
		}
	}

	zoomMin := viper.GetInt("preload.zoom_min")
	zoomMax := viper.GetInt("preload.zoom_max")
	if zoomMin < l.MinZoom {
		zoomMin = l.MinZoom
	}
	if zoomMax == 0 || zoomMax > l.MaxZoom {
		zoomMax = l.MaxZoom
	}
	if zoomMin > zoomMax {
		return fmt.Errorf("zoom range %d..%d is empty for layer %s", zoomMin, zoomMax, layerID)
	}

	tasks := preloadTasks(layerID, b, l.Projection, zoomMin, zoomMax)
	if len(tasks) == 0 {
		return fmt.Errorf("bounding box covers no tiles")
	}
	logger.Info("preloading", "layer", layerID, "tiles", len(tasks),
		"zoom_min", zoomMin, "zoom_max", zoomMax)

	workers := viper.GetInt("preload.workers")
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	prog := worker.NewProgress(len(tasks), viper.GetBool("preload.progress"))
	pool := worker.New(worker.Config{
		Workers:    workers,
		Resolver:   st.engine,
		OnProgress: prog.Callback(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results := pool.Run(ctx, tasks)
	prog.Done()
	logger.Info(prog.Summary())

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Debug("tile failed", "z", r.Task.Z, "x", r.Task.X, "y", r.Task.Y,
				"error", r.Err)
		}
	}
	if failed > 0 && !viper.GetBool("preload.allow_failures") {
		return fmt.Errorf("%d of %d tiles failed", failed, len(tasks))
	}
	return nil
}

// preloadTasks enumerates the tiles of the layer's pyramid covered by an
// EPSG:4326 box at each zoom in [zoomMin, zoomMax]. Tile rows grow south,
// so the row of the box's north edge is the smaller index.
func preloadTasks(layerID string, b bbox.Bbox, srs proj.EPSG, zoomMin, zoomMax int) []worker.Task {
	var tasks []worker.Task
	for z := zoomMin; z <= zoomMax; z++ {
		fromX, fromY, toX, toY := proj.TileByBbox(b, z, srs)
		// A box edge exactly on a tile boundary covers zero pixels of the
		// next tile, so the max edges are exclusive there. Columns wrap
		// east-west and stay unclamped; rows do not wrap.
		x0, x1 := int(math.Floor(fromX)), int(math.Ceil(toX))-1
		y0, y1 := int(math.Floor(toY)), int(math.Ceil(fromY))-1
		n := 1 << z
		if y0 < 0 {
			y0 = 0
		}
		if y1 > n-1 {
			y1 = n - 1
		}
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				tasks = append(tasks, worker.Task{Layer: layerID, Z: z, X: x, Y: y})
			}
		}
	}
	return tasks
}

func parseBboxFlag(s string) (bbox.Bbox, error) {
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
