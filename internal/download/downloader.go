// Package download fills offline regions: it expands a region definition
// into the resources it needs and stores them through the region write path.
package download

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mapcache/internal/cache"
	"mapcache/internal/offline"
	"mapcache/internal/upstream"
)

const (
	DefaultWorkers   = 4
	DefaultBatchSize = 64
)

// Fetcher retrieves one resource from upstream.
type Fetcher interface {
	Fetch(ctx context.Context, res offline.Resource, prior *offline.Response) (*offline.Response, error)
}

// Downloader runs at most one download per region.
type Downloader struct {
	store     *cache.Store
	fetcher   Fetcher
	log       *zap.Logger
	workers   int
	batchSize int

	mu   sync.Mutex
	jobs map[int64]*job
}

type job struct {
	id       string
	cancel   context.CancelFunc
	done     chan struct{}
	required offline.RegionStatus
	failed   uint64
	err      error
}

type Option func(*Downloader)

func WithWorkers(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(d *Downloader) {
		if log != nil {
			d.log = log
		}
	}
}

func New(store *cache.Store, fetcher Fetcher, opts ...Option) *Downloader {
	d := &Downloader{
		store:     store,
		fetcher:   fetcher,
		log:       zap.NewNop(),
		workers:   DefaultWorkers,
		batchSize: DefaultBatchSize,
		jobs:      make(map[int64]*job),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins downloading a region in the background. Starting a region
// that is already downloading is a no-op.
func (d *Downloader) Start(ctx context.Context, regionID int64) error {
	var def offline.RegionDefinition
	err := d.store.Do(ctx, func(db *offline.Database) error {
		if db.ReadOnly() {
			return offline.ErrReadOnly
		}
		var err error
		def, err = db.GetRegionDefinition(ctx, regionID)
		return err
	})
	if err != nil {
		return err
	}
	plan, err := NewPlan(def)
	if err != nil {
		return fmt.Errorf("expand region %d: %w", regionID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[regionID]; ok && !isDone(j) {
		return nil
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	j.required.RequiredResourceCount = plan.ResourceCount()
	j.required.RequiredTileCount = plan.TileCount()
	j.required.RequiredResourceCountIsPrecise = true
	d.jobs[regionID] = j

	go d.run(jobCtx, regionID, j, plan)
	return nil
}

// Stop cancels a running download and waits for it to wind down.
func (d *Downloader) Stop(regionID int64) bool {
	d.mu.Lock()
	j, ok := d.jobs[regionID]
	d.mu.Unlock()
	if !ok || isDone(j) {
		return false
	}
	j.cancel()
	<-j.done
	return true
}

// Wait blocks until the region's current download ends and returns its error.
func (d *Downloader) Wait(ctx context.Context, regionID int64) error {
	d.mu.Lock()
	j, ok := d.jobs[regionID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-j.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status combines stored progress with the counts of the last download.
func (d *Downloader) Status(ctx context.Context, regionID int64) (offline.RegionStatus, error) {
	var status offline.RegionStatus
	err := d.store.Do(ctx, func(db *offline.Database) error {
		var err error
		status, err = db.GetRegionCompletedStatus(ctx, regionID)
		return err
	})
	if err != nil {
		return offline.RegionStatus{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[regionID]; ok {
		status.RequiredResourceCount = j.required.RequiredResourceCount
		status.RequiredTileCount = j.required.RequiredTileCount
		status.RequiredResourceCountIsPrecise = j.required.RequiredResourceCountIsPrecise
		if !isDone(j) {
			status.DownloadState = offline.DownloadActive
		}
	}
	return status, nil
}

// Forget drops the bookkeeping of a region, stopping its download first.
func (d *Downloader) Forget(regionID int64) {
	d.Stop(regionID)
	d.mu.Lock()
	delete(d.jobs, regionID)
	d.mu.Unlock()
}

// Close stops every running download.
func (d *Downloader) Close() {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.Stop(id)
	}
}

func isDone(j *job) bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (d *Downloader) run(ctx context.Context, regionID int64, j *job, plan *Plan) {
	log := d.log.With(zap.Int64("region_id", regionID), zap.String("job_id", j.id))
	log.Info("Region download started",
		zap.Uint64("resources", j.required.RequiredResourceCount),
		zap.Uint64("tiles", j.required.RequiredTileCount))

	err := d.download(ctx, log, regionID, j, plan)
	if upstream.IsCanceled(err) && ctx.Err() != nil {
		err = nil
		log.Info("Region download stopped")
	} else if err != nil {
		log.Warn("Region download failed", zap.Error(err))
	} else {
		log.Info("Region download finished")
	}

	d.mu.Lock()
	j.err = err
	d.mu.Unlock()
	j.cancel()
	close(j.done)
}

// fetched is a downloaded resource on its way to the writer. reserved is set
// when the resource holds a tile quota reservation.
type fetched struct {
	item     offline.RegionResource
	reserved bool
}

// download walks the plan in chunks. Each chunk pins what the store already
// holds; the rest is fetched by the worker pool and written in batches. A
// tile is only fetched after a quota check that also counts the tiles of
// this job still in flight.
func (d *Downloader) download(ctx context.Context, log *zap.Logger, regionID int64, j *job, plan *Plan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	results := make(chan fetched, d.batchSize)
	var reserved atomic.Int64
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- d.write(gctx, regionID, results, &reserved)
	}()

	var held int
	walkErr := plan.Each(d.batchSize, func(chunk []offline.Resource) error {
		pending, err := d.markHeld(gctx, regionID, chunk)
		if err != nil {
			return err
		}
		held += len(chunk) - len(pending)
		for _, res := range pending {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, reservedTile, err := d.reserve(gctx, res, &reserved)
			if err != nil {
				return err
			}
			if !ok {
				return offline.ErrTileLimitExceeded
			}
			g.Go(func() error {
				release := func() {
					if reservedTile {
						reserved.Add(-1)
					}
				}
				resp, err := d.fetcher.Fetch(gctx, res, nil)
				if err != nil {
					release()
					return err
				}
				if resp.Error != nil {
					release()
					d.mu.Lock()
					j.failed++
					d.mu.Unlock()
					log.Debug("Resource fetch failed", zap.Stringer("resource", res), zap.String("error", resp.Error.Message))
					return nil
				}
				select {
				case results <- fetched{item: offline.RegionResource{Resource: res, Response: *resp}, reserved: reservedTile}:
					return nil
				case <-gctx.Done():
					release()
					return gctx.Err()
				}
			})
		}
		return nil
	})
	fetchErr := g.Wait()
	close(results)
	log.Debug("Skipped held resources", zap.Int("held", held))

	if err := <-writeErr; err != nil {
		return err
	}
	if walkErr != nil && !(upstream.IsCanceled(walkErr) && fetchErr != nil) {
		return walkErr
	}
	if fetchErr != nil {
		return fetchErr
	}
	return ctx.Err()
}

// markHeld pins resources the store already holds and returns the rest.
func (d *Downloader) markHeld(ctx context.Context, regionID int64, resources []offline.Resource) ([]offline.Resource, error) {
	var pending []offline.Resource
	err := d.store.Do(ctx, func(db *offline.Database) error {
		var held []offline.Resource
		for _, res := range resources {
			_, ok, err := db.HasRegionResource(ctx, res)
			if err != nil {
				return err
			}
			if ok {
				held = append(held, res)
			} else {
				pending = append(pending, res)
			}
		}
		if len(held) == 0 {
			return nil
		}
		return db.MarkUsedResources(ctx, regionID, held)
	})
	return pending, err
}

// reserve checks res against the tile quota, counting reserved tiles as
// held, and takes a reservation when res counts toward the limit. ok is
// false when fetching res would exceed the limit.
func (d *Downloader) reserve(ctx context.Context, res offline.Resource, reserved *atomic.Int64) (ok, taken bool, err error) {
	if res.Kind != offline.KindTile {
		return true, false, nil
	}
	err = d.store.Do(ctx, func(db *offline.Database) error {
		if !db.CountsTowardTileLimit(res) {
			ok = true
			return nil
		}
		exceeds, err := db.ExceedsOfflineTileCountLimitReserving(ctx, res, uint64(reserved.Load()))
		if err != nil || exceeds {
			return err
		}
		reserved.Add(1)
		ok, taken = true, true
		return nil
	})
	return ok, taken, err
}

// write stores fetched resources in batches until results is closed. The
// reservations of a batch are released together with its write so the
// store never sees a tile counted twice.
func (d *Downloader) write(ctx context.Context, regionID int64, results <-chan fetched, reserved *atomic.Int64) error {
	batch := make([]offline.RegionResource, 0, d.batchSize)
	var held int64
	var firstErr error
	flush := func() {
		if len(batch) == 0 {
			return
		}
		items, release := batch, held
		batch = make([]offline.RegionResource, 0, d.batchSize)
		held = 0
		if firstErr != nil {
			reserved.Add(-release)
			return
		}
		err := d.store.Do(ctx, func(db *offline.Database) error {
			defer reserved.Add(-release)
			return db.PutRegionResources(ctx, regionID, items, nil)
		})
		if err != nil {
			firstErr = err
		}
	}
	for f := range results {
		batch = append(batch, f.item)
		if f.reserved {
			held++
		}
		if len(batch) >= d.batchSize {
			flush()
		}
	}
	flush()
	return firstErr
}
