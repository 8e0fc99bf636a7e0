package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

// tileResult is what one tile produced, or why it produced nothing.
type tileResult struct {
	raw     []domain.RawDetection
	version string
	corrupt error
}

// DetectionRuntime runs a detector over page tiles. Batches shrink by half on
// accelerator OOM down to single tiles; a single tile that still does not fit
// goes to the CPU fallback.
type DetectionRuntime struct {
	primary     ports.SymbolDetector
	fallback    ports.SymbolDetector
	batchSize   int
	concurrency int
	// sem bounds detector calls across every job in the process.
	sem     *semaphore.Weighted
	metrics ports.PipelineMetrics
}

type DetectionConfig struct {
	BatchSize       int
	TileConcurrency int
	MaxConcurrent   int
}

func NewDetectionRuntime(primary, fallback ports.SymbolDetector, cfg DetectionConfig, metrics ports.PipelineMetrics) *DetectionRuntime {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.TileConcurrency <= 0 {
		cfg.TileConcurrency = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &DetectionRuntime{
		primary:     primary,
		fallback:    fallback,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.TileConcurrency,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics:     metrics,
	}
}

func (r *DetectionRuntime) ModelVersion() string {
	return r.primary.ModelVersion()
}

// detectTiles returns one result per tile, in tile order. Errors other than
// corrupt tiles abort the whole run.
func (r *DetectionRuntime) detectTiles(ctx context.Context, tiles []domain.Tile) ([]tileResult, error) {
	results := make([]tileResult, len(tiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for start := 0; start < len(tiles); start += r.batchSize {
		end := min(start+r.batchSize, len(tiles))
		idx := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		g.Go(func() error {
			return r.runBatch(gctx, tiles, idx, results)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *DetectionRuntime) runBatch(ctx context.Context, tiles []domain.Tile, idx []int, results []tileResult) error {
	images := make([]image.Image, len(idx))
	for i, ti := range idx {
		images[i] = tiles[ti].Image
	}
	out, err := r.detect(ctx, images)
	if err != nil {
		return err
	}
	for i, ti := range idx {
		results[ti] = out[i]
	}
	return nil
}

func (r *DetectionRuntime) detect(ctx context.Context, images []image.Image) ([]tileResult, error) {
	if len(images) == 1 {
		return r.detectOne(ctx, images[0])
	}
	batcher, ok := r.primary.(ports.BatchDetector)
	if !ok {
		out := make([]tileResult, 0, len(images))
		for _, img := range images {
			res, err := r.detectOne(ctx, img)
			if err != nil {
				return nil, err
			}
			out = append(out, res...)
		}
		return out, nil
	}

	raw, err := r.guarded(ctx, func(ctx context.Context) ([][]domain.RawDetection, error) {
		return batcher.DetectBatch(ctx, images)
	})
	if err == nil && len(raw) != len(images) {
		return nil, domain.WrapError(domain.ErrInternal, "detect batch", fmt.Errorf("got %d results for %d tiles", len(raw), len(images)))
	}
	switch {
	case err == nil:
		out := make([]tileResult, len(raw))
		for i := range raw {
			out[i] = tileResult{raw: raw[i], version: r.primary.ModelVersion()}
			r.metrics.RecordTile("ok")
		}
		return out, nil
	case errors.Is(err, domain.ErrOutOfMemory), errors.Is(err, domain.ErrCorruptTile):
		// Split to find a size that fits, or to isolate the corrupt tile.
		half := len(images) / 2
		logging.FromContext(ctx).Warn("detect_batch_split", "batch", len(images), "error", err)
		left, err := r.detect(ctx, images[:half])
		if err != nil {
			return nil, err
		}
		right, err := r.detect(ctx, images[half:])
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	default:
		return nil, err
	}
}

func (r *DetectionRuntime) detectOne(ctx context.Context, img image.Image) ([]tileResult, error) {
	raw, err := r.guarded(ctx, func(ctx context.Context) ([][]domain.RawDetection, error) {
		dets, err := r.primary.Detect(ctx, img)
		return [][]domain.RawDetection{dets}, err
	})
	switch {
	case err == nil:
		r.metrics.RecordTile("ok")
		return []tileResult{{raw: raw[0], version: r.primary.ModelVersion()}}, nil
	case errors.Is(err, domain.ErrCorruptTile):
		r.metrics.RecordTile("corrupt")
		return []tileResult{{corrupt: err}}, nil
	case errors.Is(err, domain.ErrOutOfMemory) && r.fallback != nil:
		logging.FromContext(ctx).Warn("detect_fallback", "fallback", r.fallback.ModelVersion(), "error", err)
		dets, ferr := r.fallback.Detect(ctx, img)
		if errors.Is(ferr, domain.ErrCorruptTile) {
			r.metrics.RecordTile("corrupt")
			return []tileResult{{corrupt: ferr}}, nil
		}
		if ferr != nil {
			return nil, fmt.Errorf("fallback detector: %w", ferr)
		}
		r.metrics.RecordTile("fallback")
		return []tileResult{{raw: dets, version: r.fallback.ModelVersion()}}, nil
	default:
		return nil, err
	}
}

// guarded runs fn while holding one slot of the process-wide detector budget.
func (r *DetectionRuntime) guarded(ctx context.Context, fn func(context.Context) ([][]domain.RawDetection, error)) ([][]domain.RawDetection, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return fn(ctx)
}

// pageDetections runs the tiles of one page and merges their boxes.
func (uc *ProcessorUseCase) pageDetections(ctx context.Context, page domain.NormalizedPage) ([]domain.PageDetection, []domain.PartialFailure, []string, error) {
	var tiles []domain.Tile
	for tile := range uc.tiler.Tiles(page.Image) {
		tiles = append(tiles, tile)
	}

	results, err := uc.detection.detectTiles(ctx, tiles)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		all      []domain.PageDetection
		partial  []domain.PartialFailure
		warnings []string
		unknown  int
	)
	for i, res := range results {
		if res.corrupt != nil {
			logging.FromContext(ctx).Warn("tile_corrupt", "page", page.Index, "tile", tiles[i].Index, "error", res.corrupt)
			partial = append(partial, domain.PartialFailure{
				Stage:   domain.StageDetect,
				Page:    page.Index,
				Tile:    tiles[i].Index,
				Message: res.corrupt.Error(),
			})
			continue
		}
		dets, dropped := toPageDetections(res.raw, tiles[i].Transform, page.Width, page.Height)
		for j := range dets {
			dets[j].ModelVersion = res.version
		}
		all = append(all, dets...)
		unknown += dropped
	}
	if unknown > 0 {
		warnings = append(warnings, fmt.Sprintf("page %d: dropped %d detections with unknown class ids", page.Index+1, unknown))
	}
	return mergeDetections(all, uc.cfg.NMSIoU), partial, warnings, nil
}
