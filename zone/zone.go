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

// Package zone implements one worker's slice of the request pipeline:
// a serialized queue of data requests and control messages, a private
// open chapter, and the close-coordination steps that keep every
// zone's chapter counters within one of its peers.
package zone

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/udsvolume/uds/chapter"
	"github.com/udsvolume/uds/chapterwriter"
	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/logger"
	"github.com/udsvolume/uds/openchapter"
	"github.com/udsvolume/uds/request"
	"github.com/udsvolume/uds/sparsecache"
	"github.com/udsvolume/uds/stats"
	"github.com/udsvolume/uds/udserr"
	"github.com/udsvolume/uds/volumeindex"
)

// Name is a 256-bit record name.
type Name = deltaindex.Name

// Volume is the zone's view of closed-chapter storage, implemented by
// the index core over the page cache and block device. Methods that
// take a request may return udserr.Queued, meaning the request has
// been parked on a pending disk read and will be redelivered, or
// udserr.Busy, meaning the read queue is full and the caller should
// retry.
type Volume interface {
	// SearchChapter resolves name against on-disk chapter vc: one
	// index-page probe, then one record-page read.
	SearchChapter(req *request.Request, zoneID uint32, vc uint64, name Name) (request.Metadata, bool, error)
	// ReadRecord reads record recNum of chapter vc's record pages,
	// for hits resolved through a sparse-cached chapter index.
	ReadRecord(req *request.Request, zoneID uint32, vc uint64, recNum uint64) (request.Metadata, bool, error)
	// LoadChapterIndex reads and decodes chapter vc's index pages
	// directly from the device, for sparse-cache admission.
	LoadChapterIndex(vc uint64) (*chapter.Closed, error)
}

// Router delivers control messages into zone queues, implemented by
// the index core.
type Router interface {
	// Broadcast enqueues msg on every zone's queue; except names a
	// zone to skip, or -1 to deliver to all.
	Broadcast(msg Message, except int32)
}

// Config carries everything a Zone needs at construction.
type Config struct {
	ID          uint32
	Geom        geometry.Geometry
	VolumeIndex *volumeindex.VolumeIndex
	Writer      *chapterwriter.Writer
	Coord       *Coordinator
	Sparse      *sparsecache.Cache
	Volume      Volume
	Router      Router
	Counters    *stats.Counters
	Log         logger.Logger
	QueueDepth  int

	// OpenChapter and Oldest seed the zone's chapter counters from a
	// restore or rebuild; both zero for a fresh index.
	OpenChapter uint64
	Oldest      uint64

	// OpenRecords replays a saved open chapter into the zone.
	OpenRecords []openchapter.Record
}

type item struct {
	req   *request.Request
	msg   *Message
	drain chan struct{}
}

// Zone is one worker's independent slice of the pipeline. All fields
// below the queue are owned by the zone's goroutine; newest and oldest
// are additionally published through atomics for tests and the triage
// stage.
type Zone struct {
	id       uint32
	geom     geometry.Geometry
	vi       *volumeindex.VolumeIndex
	writer   *chapterwriter.Writer
	coord    *Coordinator
	sparse   *sparsecache.Cache
	vol      Volume
	router   Router
	counters *stats.Counters
	log      logger.Logger

	in     chan item
	inMu   sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	open    *openchapter.OpenChapter
	writing *openchapter.OpenChapter

	// deferred holds requests the zone goroutine re-enqueues to
	// itself after a Busy retry; a self-send on the channel could
	// deadlock when the queue is full, so these bypass it. Only the
	// zone goroutine touches this slice.
	deferred []item

	newest atomic.Uint64
	oldest atomic.Uint64
}

const dataBytes = len(request.Metadata{})

// New allocates a Zone. Call Start to launch its worker goroutine.
func New(cfg Config) *Zone {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 4096
	}
	z := &Zone{
		id:       cfg.ID,
		geom:     cfg.Geom,
		vi:       cfg.VolumeIndex,
		writer:   cfg.Writer,
		coord:    cfg.Coord,
		sparse:   cfg.Sparse,
		vol:      cfg.Volume,
		router:   cfg.Router,
		counters: cfg.Counters,
		log:      logger.OrNop(cfg.Log),
		in:       make(chan item, depth),
		open:     openchapter.New(cfg.Geom.RecordsPerZone(), dataBytes),
	}
	z.newest.Store(cfg.OpenChapter)
	z.oldest.Store(cfg.Oldest)
	z.vi.SetOpenChapter(z.id, cfg.OpenChapter)
	z.coord.NoteAdvance(cfg.Oldest, cfg.OpenChapter)
	for _, r := range cfg.OpenRecords {
		if _, _, err := z.open.Put(r.Name, r.Data); err != nil {
			z.log.Printf("zone %d: replaying saved open chapter: %v", z.id, err)
		}
	}
	return z
}

// Start launches the zone's worker goroutine.
func (z *Zone) Start() {
	z.wg.Add(1)
	go z.run()
}

// Stop closes the queue and waits for the worker to drain it. Requests
// enqueued afterward complete immediately with StatusDisabled.
func (z *Zone) Stop() {
	z.inMu.Lock()
	if !z.closed {
		z.closed = true
		close(z.in)
	}
	z.inMu.Unlock()
	z.wg.Wait()
}

// EnqueueRequest places req on the zone's queue.
func (z *Zone) EnqueueRequest(req *request.Request) {
	z.inMu.RLock()
	if z.closed {
		z.inMu.RUnlock()
		req.Finish(request.StatusDisabled)
		return
	}
	z.in <- item{req: req}
	z.inMu.RUnlock()
}

// Deliver places a control message on the zone's queue.
func (z *Zone) Deliver(msg Message) {
	z.inMu.RLock()
	if !z.closed {
		z.in <- item{msg: &msg}
	}
	z.inMu.RUnlock()
}

// Drain returns once every item enqueued before the call has been
// processed.
func (z *Zone) Drain() {
	done := make(chan struct{})
	z.inMu.RLock()
	if z.closed {
		z.inMu.RUnlock()
		return
	}
	z.in <- item{drain: done}
	z.inMu.RUnlock()
	<-done
}

// ID returns the zone's number.
func (z *Zone) ID() uint32 { return z.id }

// Newest returns the zone's current open chapter number.
func (z *Zone) Newest() uint64 { return z.newest.Load() }

// Oldest returns the oldest chapter the zone still serves.
func (z *Zone) Oldest() uint64 { return z.oldest.Load() }

// OpenRecords returns the live records of the zone's open chapter, for
// a clean-shutdown save. Callers must have quiesced the zone first
// (Drain) so the worker is not mutating the chapter.
func (z *Zone) OpenRecords() []openchapter.Record {
	return z.open.Records()
}

func (z *Zone) run() {
	defer z.wg.Done()
	for {
		var it item
		if len(z.deferred) > 0 {
			it = z.deferred[0]
			z.deferred = z.deferred[1:]
		} else {
			var ok bool
			it, ok = <-z.in
			if !ok {
				return
			}
		}
		switch {
		case it.drain != nil:
			close(it.drain)
		case it.msg != nil:
			z.handleMessage(*it.msg)
		case it.req != nil:
			z.process(it.req)
		}
	}
}

func (z *Zone) handleMessage(m Message) {
	switch m.Kind {
	case KindSparseCacheBarrier:
		if err := z.admitSparse(m.VirtualChapter); err != nil {
			z.log.Printf("zone %d: loading sparse chapter %d: %v", z.id, m.VirtualChapter, err)
		}
	case KindAnnounceChapterClosed:
		if m.VirtualChapter == z.newest.Load() {
			z.closeOpenChapter()
		}
	}
}

func (z *Zone) process(req *request.Request) {
	if req.Type == request.Delete {
		z.remove(req)
		return
	}
	z.search(req)
}

// search implements the per-zone lookup pipeline: volume index, then
// open chapter, writing chapter, sparse cache, or on-disk chapter
// through the page cache, recording a location tag as it goes.
func (z *Zone) search(req *request.Request) {
	name := req.Name
	newest := z.newest.Load()
	oldest := z.oldest.Load()

	vc, viFound, err := z.vi.Lookup(name)
	if err != nil {
		z.log.Printf("zone %d: volume index lookup: %v", z.id, err)
		req.Finish(request.StatusCorrupt)
		return
	}

	var data request.Metadata
	hit := false
	if viFound {
		req.VirtualChapter = vc
		switch {
		case vc == newest:
			if r, ok := z.open.Get(name); ok {
				copy(data[:], r.Data)
				req.Location = request.LocationOpenChapter
				hit = true
			}
		case vc+1 == newest && z.writing != nil:
			if r, ok := z.writing.Get(name); ok {
				copy(data[:], r.Data)
				req.Location = request.LocationDense
				hit = true
			}
		case vc < oldest:
			req.Location = request.LocationUnavailable
		case chapter.IsSparse(oldest, newest, vc, z.geom.SparseChaptersPerVolume):
			if z.searchSparse(req, vc, &data, &hit) {
				return // parked or requeued
			}
		default:
			req.Location = request.LocationDense
			d, ok, err := z.vol.SearchChapter(req, z.id, vc, name)
			switch {
			case errors.Is(err, udserr.Queued):
				return
			case errors.Is(err, udserr.Busy):
				z.requeue(req)
				return
			case err != nil:
				z.log.Printf("zone %d: chapter %d search: %v", z.id, vc, err)
			case ok:
				req.Location = request.LocationDense
				data = d
				hit = true
			}
		}
	} else {
		// Names dropped from the volume index (overflow, or non-sample
		// names in a sparse geometry) can still live in the in-memory
		// chapters; probe them directly.
		if r, ok := z.open.Get(name); ok {
			vc = newest
			copy(data[:], r.Data)
			req.Location = request.LocationOpenChapter
			hit = true
		} else if z.writing != nil && newest > 0 {
			if r, ok := z.writing.Get(name); ok {
				vc = newest - 1
				copy(data[:], r.Data)
				req.Location = request.LocationDense
				hit = true
			}
		}
		if hit {
			req.VirtualChapter = vc
		}
	}

	req.Found = hit
	if hit {
		req.OldMetadata = data
	}
	z.dispatch(req, hit)
}

// admitSparse ensures chapter vc's index is in the sparse cache,
// loading it from the volume if absent.
func (z *Zone) admitSparse(vc uint64) error {
	return z.sparse.Admit(vc, func() (*chapter.Closed, error) {
		return z.vol.LoadChapterIndex(vc)
	})
}

// searchSparse probes the sparse cache for vc, admitting the chapter
// inline on a membership miss (the triage barrier normally pre-admits
// it, but an eviction can race, and a single-zone index has no triage
// stage at all). Returns true when req has been parked or requeued
// and must not be finished yet.
func (z *Zone) searchSparse(req *request.Request, vc uint64, data *request.Metadata, hit *bool) bool {
	ch, ok := z.sparse.Get(vc)
	if !ok {
		if err := z.admitSparse(vc); err != nil {
			z.log.Printf("zone %d: loading sparse chapter %d: %v", z.id, vc, err)
		}
		ch, ok = z.sparse.Get(vc)
	}
	if !ok {
		req.Location = request.LocationUnavailable
		return false
	}
	req.Location = request.LocationSparse
	recNum, found, err := ch.Search(req.Name)
	if err != nil {
		z.log.Printf("zone %d: sparse chapter %d search: %v", z.id, vc, err)
		return false
	}
	if !found {
		return false
	}
	req.SetResolved(recNum, recNum/z.geom.RecordsPerPage)
	d, ok, err := z.vol.ReadRecord(req, z.id, vc, recNum)
	switch {
	case errors.Is(err, udserr.Queued):
		return true
	case errors.Is(err, udserr.Busy):
		z.requeue(req)
		return true
	case err != nil:
		z.log.Printf("zone %d: sparse chapter %d record read: %v", z.id, vc, err)
		return false
	}
	if ok {
		req.Location = request.LocationSparse
		*data = d
		*hit = true
	}
	return false
}

func (z *Zone) dispatch(req *request.Request, hit bool) {
	switch req.Type {
	case request.Query, request.QueryNoUpdate:
		if hit {
			req.Finish(request.StatusSuccess)
		} else {
			req.Finish(request.StatusNotFound)
		}
	case request.Post:
		if hit {
			if req.Location != request.LocationOpenChapter {
				// Move the record into the open chapter so it outlives
				// its source chapter's expiration; the index entry is
				// repointed, not duplicated.
				if err := z.putRecord(req.Name, req.OldMetadata, true); err != nil {
					z.log.Printf("zone %d: moving record to open chapter: %v", z.id, err)
				}
			}
			req.Finish(request.StatusExists)
			return
		}
		// A lookup that resolved to an expired chapter still has a live
		// index entry; repoint it in place rather than growing its
		// collision run.
		stale := req.Location == request.LocationUnavailable
		if err := z.putRecord(req.Name, req.NewMetadata, stale); err != nil {
			req.Finish(request.StatusOverflow)
			return
		}
		req.Location = request.LocationOpenChapter
		req.Finish(request.StatusSuccess)
	case request.Update:
		if !hit {
			req.Finish(request.StatusNotFound)
			return
		}
		if err := z.putRecord(req.Name, req.NewMetadata, true); err != nil {
			req.Finish(request.StatusOverflow)
			return
		}
		req.Finish(request.StatusSuccess)
	}
}

func (z *Zone) remove(req *request.Request) {
	removedIndex, err := z.vi.Remove(req.Name)
	if err != nil {
		z.log.Printf("zone %d: volume index remove: %v", z.id, err)
	}
	removedOpen := z.open.Remove(req.Name)
	req.Found = removedIndex || removedOpen
	if req.Found {
		req.Finish(request.StatusSuccess)
	} else {
		req.Finish(request.StatusNotFound)
	}
}

// putRecord appends (name, data) to the open chapter and indexes it,
// closing the chapter when it fills. indexed says the name already
// has a volume-index entry to repoint; a fresh name is inserted, with
// key collisions becoming collision entries. Overflows from the
// volume index are swallowed inside Put/SetChapter; an overflow of
// the open chapter itself is returned.
func (z *Zone) putRecord(name Name, data request.Metadata, indexed bool) error {
	remaining, _, err := z.open.Put(name, data[:])
	if err != nil {
		z.counters.DiscardedEntry()
		return err
	}
	z.counters.IndexedEntry()
	if z.vi.IsSample(name) {
		vc := z.newest.Load()
		if indexed {
			err = z.vi.SetChapter(name, vc)
		} else {
			err = z.vi.Put(name, vc)
		}
		if err != nil {
			return err
		}
	}
	if remaining == 0 {
		z.closeOpenChapter()
	}
	return nil
}

// closeOpenChapter runs the close-coordination protocol: wait for the
// previous chapter's commit, swap in a fresh open chapter, hand the
// filled one to the writer, announce to peers if first, and advance
// the expiration horizon.
func (z *Zone) closeOpenChapter() {
	closed := z.newest.Load()
	z.writer.FinishPreviousChapter(closed)
	if err := z.writer.Result(); err != nil {
		z.log.Printf("zone %d: an earlier chapter commit failed: %v", z.id, err)
	}
	first := z.coord.BeginClose(closed)

	if z.writing == nil {
		z.writing = openchapter.New(z.geom.RecordsPerZone(), dataBytes)
	}
	z.open, z.writing = z.writing, z.open
	z.open.Reset()

	newest := closed + 1
	z.newest.Store(newest)
	z.vi.SetOpenChapter(z.id, newest)
	z.writer.StartClosingChapter(z.id, closed, z.writing.Records())

	if first && z.coord.ZoneCount() > 1 {
		z.router.Broadcast(Message{Kind: KindAnnounceChapterClosed, VirtualChapter: closed}, int32(z.id))
	}

	var oldest uint64
	if closed+1 > z.geom.ChaptersPerVolume {
		oldest = closed + 1 - z.geom.ChaptersPerVolume
	}
	z.oldest.Store(oldest)
	z.coord.NoteAdvance(oldest, newest)
	z.counters.SetMemoryUsed(z.vi.MemoryUsed())

	if z.coord.FinishClose(closed) && closed >= z.geom.ChaptersPerVolume {
		// The last zone to close explicitly forgets the chapter this
		// commit will destroy.
		z.sparse.Remove(closed - z.geom.ChaptersPerVolume)
	}
}

// requeue hands req back to the zone for another pass, yielding first
// so a full read queue has a chance to drain before the retry.
func (z *Zone) requeue(req *request.Request) {
	req.Requeued = true
	runtime.Gosched()
	z.deferred = append(z.deferred, item{req: req})
}
