// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package index is the orchestrator that owns every other subsystem:
// the zones and their queues, the chapter writer, the volume and its
// page cache, the sparse cache, and the save/rebuild lifecycle.
package index

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/blockdevice"
	"github.com/udsvolume/uds/chapter"
	"github.com/udsvolume/uds/chapterwriter"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/logger"
	"github.com/udsvolume/uds/openchapter"
	"github.com/udsvolume/uds/pagecache"
	"github.com/udsvolume/uds/persist"
	"github.com/udsvolume/uds/recordpage"
	"github.com/udsvolume/uds/request"
	"github.com/udsvolume/uds/sparsecache"
	"github.com/udsvolume/uds/stats"
	"github.com/udsvolume/uds/udserr"
	"github.com/udsvolume/uds/volumeindex"
	"github.com/udsvolume/uds/zone"
)

// OpenType selects how New treats existing on-disk state.
type OpenType int

const (
	// OpenCreate starts a fresh, empty index.
	OpenCreate OpenType = iota
	// OpenLoad restores a clean snapshot, falling back to a full
	// volume rebuild when none exists.
	OpenLoad
	// OpenNoRebuild restores a clean snapshot and fails rather than
	// rebuild.
	OpenNoRebuild
)

// Stage names the pipeline entry point a request is submitted to.
type Stage int

const (
	// StageTriage routes through the sparse-barrier pre-stage when the
	// index is multi-zone and sparse, and degenerates to StageIndex
	// otherwise.
	StageTriage Stage = iota
	// StageIndex assigns a zone and enqueues on that zone's queue.
	StageIndex
	// StageMessage enqueues an already-routed request directly on its
	// recorded zone.
	StageMessage
)

// Config carries everything New needs.
type Config struct {
	Geometry geometry.Geometry
	Device   blockdevice.Device

	// StateDir is where clean-shutdown snapshots live. Empty disables
	// save/restore (useful for throwaway indexes in tests and tools).
	StateDir string

	// CacheSize is the page cache capacity in pages (default 256).
	CacheSize int
	// ReaderThreads is the page-cache reader pool size (default 2).
	ReaderThreads int
	// SparseCacheSize is the sparse cache capacity in chapter indexes
	// (default 8).
	SparseCacheSize int
	// QueueDepth is the per-zone request queue depth (default 4096).
	QueueDepth int

	Logger   logger.Logger
	Registry stats.Registry
}

// Index is one running deduplication index.
type Index struct {
	geom     geometry.Geometry
	params   bitcodec.Params
	dev      blockdevice.Device
	log      logger.Logger
	counters *stats.Counters

	instanceID uuid.UUID

	vi      *volumeindex.VolumeIndex
	pageMap *chapter.PageMap
	cache   *pagecache.Cache
	sparse  *sparsecache.Cache
	coord   *zone.Coordinator
	writer  *chapterwriter.Writer
	zones   []*zone.Zone

	triageCh chan *request.Request
	wg       sync.WaitGroup

	mu       sync.Mutex
	stateDir string
	freed    bool

	// cleanSaveDiscarded flips on the first chapter commit after a
	// load; until then the on-disk open-chapter save still matches
	// memory and may be kept.
	cleanSaveDiscarded atomic.Bool
}

// New builds and starts an index per openType. lc may be nil; when
// supplied it allows a concurrent Suspend/Resume/Abort of the rebuild
// that OpenLoad may run.
func New(cfg Config, openType OpenType, lc *LoadContext) (*Index, error) {
	g := cfg.Geometry
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("index: nil device: %w", udserr.BadState)
	}
	if want := chapter.DevicePageCount(g); cfg.Device.PageCount() < want {
		return nil, fmt.Errorf("index: device has %d pages, geometry needs %d: %w",
			cfg.Device.PageCount(), want, udserr.BadState)
	}
	if slotBytes := g.RecordsPerPage * recordpage.SlotBytes; slotBytes > uint64(cfg.Device.PageSize()) {
		return nil, fmt.Errorf("index: %d records of %d bytes exceed the %d-byte device page: %w",
			g.RecordsPerPage, recordpage.SlotBytes, cfg.Device.PageSize(), udserr.BadState)
	}
	if g.RecordsPerChapter > g.RecordPagesPerChapter*g.RecordsPerPage {
		return nil, fmt.Errorf("index: chapter capacity %d exceeds record page space %d: %w",
			g.RecordsPerChapter, g.RecordPagesPerChapter*g.RecordsPerPage, udserr.BadState)
	}

	ix := &Index{
		geom:       g,
		params:     bitcodec.DeriveParams(g.MeanDelta),
		dev:        cfg.Device,
		log:        logger.OrNop(cfg.Logger),
		counters:   stats.New(cfg.Registry),
		instanceID: uuid.New(),
		stateDir:   cfg.StateDir,
	}

	var (
		openVC, oldestVC uint64
		openRecords      []openchapter.Record
	)
	switch openType {
	case OpenCreate:
		vi, err := volumeindex.New(g, ix.params, ix.log)
		if err != nil {
			return nil, err
		}
		ix.vi = vi
		ix.pageMap = chapter.NewPageMap(g)
		if ix.stateDir != "" {
			if err := persist.DiscardOpenChapters(ix.stateDir); err != nil {
				return nil, err
			}
		}
	case OpenLoad, OpenNoRebuild:
		st, vi, pm, records, err := persist.Load(ix.stateDir, g, ix.params, ix.log)
		switch {
		case err == nil:
			if id, perr := uuid.Parse(st.InstanceID); perr == nil {
				ix.instanceID = id
			}
			ix.vi, ix.pageMap = vi, pm
			openVC, oldestVC = st.OpenChapter, st.OldestChapter
			openRecords = records
		case errors.Is(err, udserr.NotSavedCleanly) && openType == OpenLoad:
			ix.log.Printf("index: no clean save found, rebuilding from volume")
			ix.vi, err = volumeindex.New(g, ix.params, ix.log)
			if err != nil {
				return nil, err
			}
			ix.pageMap = chapter.NewPageMap(g)
			openVC, oldestVC, err = ix.rebuild(lc)
			if err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	default:
		return nil, fmt.Errorf("index: unknown open type %d: %w", openType, udserr.BadState)
	}
	lc.finish()

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	readers := cfg.ReaderThreads
	if readers <= 0 {
		readers = 2
	}
	sparseSize := cfg.SparseCacheSize
	if sparseSize <= 0 {
		sparseSize = 8
	}

	ix.cache = pagecache.New(cfg.Device, cacheSize, readers, int(g.ZoneCount), ix.restart, ix.log)
	ix.sparse = sparsecache.New(sparseSize)
	ix.coord = zone.NewCoordinator(g.ZoneCount)
	ix.writer = chapterwriter.New(g.ZoneCount, openVC, ix.commitChapter, ix.log)

	// Restored open-chapter records are routed to whichever zone owns
	// their name under the running zone count, which may differ from
	// the count that saved them.
	perZone := make([][]openchapter.Record, g.ZoneCount)
	for _, r := range openRecords {
		z := ix.vi.ZoneOf(r.Name)
		perZone[z] = append(perZone[z], r)
	}

	ix.zones = make([]*zone.Zone, g.ZoneCount)
	for z := uint32(0); z < g.ZoneCount; z++ {
		ix.zones[z] = zone.New(zone.Config{
			ID:          z,
			Geom:        g,
			VolumeIndex: ix.vi,
			Writer:      ix.writer,
			Coord:       ix.coord,
			Sparse:      ix.sparse,
			Volume:      ix,
			Router:      ix,
			Counters:    ix.counters,
			Log:         ix.log,
			QueueDepth:  cfg.QueueDepth,
			OpenChapter: openVC,
			Oldest:      oldestVC,
			OpenRecords: perZone[z],
		})
	}

	ix.writer.Start()
	for _, z := range ix.zones {
		z.Start()
	}
	if g.IsSparse() && g.ZoneCount > 1 {
		ix.triageCh = make(chan *request.Request, 4096)
		ix.wg.Add(1)
		go ix.triage()
	}
	return ix, nil
}

// InstanceID identifies this index's storage generation; it survives
// save/load and changes when the index is created fresh.
func (ix *Index) InstanceID() uuid.UUID { return ix.instanceID }

// Enqueue submits req at the given pipeline stage. The caller owns
// req's memory until its Callback fires exactly once.
func (ix *Index) Enqueue(req *request.Request, stage Stage) error {
	switch stage {
	case StageTriage:
		if ix.triageCh != nil {
			ix.triageCh <- req
			return nil
		}
		fallthrough
	case StageIndex:
		req.Zone = ix.vi.ZoneOf(req.Name)
		ix.zones[req.Zone].EnqueueRequest(req)
		return nil
	case StageMessage:
		if int(req.Zone) >= len(ix.zones) {
			return fmt.Errorf("index: request routed to zone %d of %d: %w", req.Zone, len(ix.zones), udserr.BadState)
		}
		ix.zones[req.Zone].EnqueueRequest(req)
		return nil
	default:
		return fmt.Errorf("index: unknown stage %d: %w", stage, udserr.BadState)
	}
}

// triage is the pre-zone stage of a multi-zone sparse index: it probes
// the volume index and, when the answer points at a sparse chapter not
// yet admitted to the sparse cache, emits a barrier into every zone's
// queue ahead of the request itself.
func (ix *Index) triage() {
	defer ix.wg.Done()
	for req := range ix.triageCh {
		req.Zone = ix.vi.ZoneOf(req.Name)
		vc, found, err := ix.vi.Lookup(req.Name)
		if err == nil && found {
			oldest, newest := ix.coord.Bounds()
			if chapter.IsSparse(oldest, newest, vc, ix.geom.SparseChaptersPerVolume) && !ix.sparse.Contains(vc) {
				ix.Broadcast(zone.Message{Kind: zone.KindSparseCacheBarrier, VirtualChapter: vc}, -1)
			}
		}
		ix.zones[req.Zone].EnqueueRequest(req)
	}
}

// Broadcast implements zone.Router.
func (ix *Index) Broadcast(msg zone.Message, except int32) {
	for i, z := range ix.zones {
		if int32(i) == except {
			continue
		}
		z.Deliver(msg)
	}
}

// restart is the page cache's request restarter: a parked request
// whose page finished loading is handed back to its zone, which reruns
// the search from the top against the now-warm cache.
func (ix *Index) restart(reqAny any, _ []byte, err error) {
	req, ok := reqAny.(*request.Request)
	if !ok {
		return
	}
	if err != nil {
		ix.log.Printf("index: disk read failed for parked request: %v", err)
		req.Finish(request.StatusCorrupt)
		return
	}
	req.Requeued = true
	ix.zones[req.Zone].EnqueueRequest(req)
}

// WaitForIdle blocks until every zone queue has drained, the chapter
// writer is idle, and no disk reads are pending.
func (ix *Index) WaitForIdle() {
	for {
		for _, z := range ix.zones {
			z.Drain()
		}
		ix.writer.WaitIdle()
		if ix.cache.QueueLen() != 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		// One more drain pass: completed reads may have requeued
		// requests behind the first drain tokens.
		for _, z := range ix.zones {
			z.Drain()
		}
		ix.writer.WaitIdle()
		if ix.cache.QueueLen() == 0 {
			return
		}
	}
}

// Save quiesces the index and writes a clean snapshot: volume index,
// page map, writer state, and each zone's open chapter, whose presence
// marks the save clean.
func (ix *Index) Save() error {
	ix.mu.Lock()
	dir := ix.stateDir
	ix.mu.Unlock()
	if dir == "" {
		return fmt.Errorf("index: no state directory configured: %w", udserr.BadState)
	}
	ix.WaitForIdle()

	var newest, oldest uint64
	zoneRecords := make([][]openchapter.Record, len(ix.zones))
	for i, z := range ix.zones {
		if n := z.Newest(); n > newest {
			newest = n
		}
		if o := z.Oldest(); o > oldest {
			oldest = o
		}
		zoneRecords[i] = z.OpenRecords()
	}
	st := persist.State{
		InstanceID:    ix.instanceID.String(),
		ZoneCount:     uint32(len(ix.zones)),
		OpenChapter:   newest,
		OldestChapter: oldest,
	}
	if err := persist.Save(dir, st, ix.vi, ix.pageMap, zoneRecords); err != nil {
		return err
	}
	ix.cleanSaveDiscarded.Store(false)
	return nil
}

// ReplaceStorage points subsequent saves at a different state
// directory.
func (ix *Index) ReplaceStorage(dir string) {
	ix.mu.Lock()
	ix.stateDir = dir
	ix.mu.Unlock()
}

// Stats returns a point-in-time snapshot of the index's counters.
func (ix *Index) Stats() stats.Snapshot {
	snap := ix.counters.Snapshot()
	_, collisions, _ := ix.vi.Stats()
	snap.Collisions = collisions
	snap.MemoryUsed = ix.vi.MemoryUsed()
	return snap
}

// Close shuts the index down: drains and stops the zones, stops the
// writer once idle, and tears down the page cache. It does not save;
// call Save first for a clean shutdown.
func (ix *Index) Close() error {
	ix.mu.Lock()
	if ix.freed {
		ix.mu.Unlock()
		return nil
	}
	ix.freed = true
	ix.mu.Unlock()

	ix.WaitForIdle()
	if ix.triageCh != nil {
		close(ix.triageCh)
	}
	ix.wg.Wait()
	for _, z := range ix.zones {
		z.Stop()
	}
	ix.writer.Stop()
	ix.cache.Close()
	return ix.writer.Result()
}
