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

// Package pagecache implements the bounded, associative cache of
// on-disk chapter pages fronting the block device: at most one
// concurrent disk read per physical page, a pending-read queue that
// coalesces concurrent misses, and a pending-search protocol that
// lets invalidation wait for in-flight readers.
package pagecache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/udsvolume/uds/blockdevice"
	"github.com/udsvolume/uds/logger"
)

// MaxQueuedReads is the bound on in-flight and queued reads.
const MaxQueuedReads = 4096

// Status is the outcome of EnqueueRead.
type Status int

const (
	// StatusSuccess means the page was already cached; the request
	// can proceed immediately.
	StatusSuccess Status = iota
	// StatusQueued means a read is already outstanding or was newly
	// scheduled for this page, and req has been attached to it; the
	// caller's request is now owned by this package until Restarter
	// is invoked.
	StatusQueued
	// StatusRetry means the pending-reads queue is full; the caller
	// must retry the enqueue later.
	StatusRetry
)

// Restarter is invoked once per attached request when its page
// finishes loading (successfully or not). err is nil on success.
type Restarter func(req any, buf []byte, err error)

type entry struct {
	page     uint64 // 0 = empty, pages are otherwise 1-based
	buf      []byte
	lastUsed uint64
}

type pendingRead struct {
	page    uint64
	waiters []any
}

// Cache is the bounded, zone-shared page cache fronting a
// blockdevice.Device.
type Cache struct {
	dev       blockdevice.Device
	log       logger.Logger
	restart   Restarter
	maxQueued int

	mu      sync.Mutex
	cond    sync.Cond
	entries []entry
	epoch   uint64
	pending map[uint64]*pendingRead
	queued  int
	stop    bool
	readCh  chan uint64
	wg      sync.WaitGroup

	// pendingSearch is per-zone so hot-path readers never take mu;
	// invalidation spins on these.
	pendingSearch []int64

	hits, misses, fails int64
}

// New allocates a Cache with room for cacheSize pages, backed by dev,
// with readerCount background goroutines draining reads and restart
// invoked for every request attached to a completed read.
func New(dev blockdevice.Device, cacheSize int, readerCount int, zoneCount int, restart Restarter, log logger.Logger) *Cache {
	c := &Cache{
		dev:           dev,
		log:           logger.OrNop(log),
		restart:       restart,
		maxQueued:     MaxQueuedReads,
		entries:       make([]entry, cacheSize),
		pending:       make(map[uint64]*pendingRead),
		readCh:        make(chan uint64, cacheSize),
		pendingSearch: make([]int64, zoneCount),
	}
	c.cond.L = &c.mu
	c.wg.Add(readerCount)
	for i := 0; i < readerCount; i++ {
		go c.reader()
	}
	return c
}

// BeginPendingSearch brackets a zone-local cache lookup that does
// not hold any device-wide lock; callers must pair every call with
// EndPendingSearch so invalidation can wait them out.
func (c *Cache) BeginPendingSearch(zone int) {
	atomic.AddInt64(&c.pendingSearch[zone], 1)
}

// EndPendingSearch closes out a BeginPendingSearch bracket.
func (c *Cache) EndPendingSearch(zone int) {
	atomic.AddInt64(&c.pendingSearch[zone], -1)
}

func (c *Cache) anyPendingSearch() bool {
	for i := range c.pendingSearch {
		if atomic.LoadInt64(&c.pendingSearch[i]) != 0 {
			return true
		}
	}
	return false
}

func (c *Cache) find(page uint64) int {
	for i := range c.entries {
		if c.entries[i].page == page {
			return i
		}
	}
	return -1
}

// Lookup returns the cached bytes for page, if present.
func (c *Cache) Lookup(page uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.find(page)
	if i < 0 {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	c.epoch++
	c.entries[i].lastUsed = c.epoch
	atomic.AddInt64(&c.hits, 1)
	return c.entries[i].buf, true
}

// EnqueueRead arranges for page to become available, attaching req so
// that Restarter is invoked once it is.
func (c *Cache) EnqueueRead(req any, page uint64) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.find(page); i >= 0 {
		c.epoch++
		c.entries[i].lastUsed = c.epoch
		atomic.AddInt64(&c.hits, 1)
		return StatusSuccess
	}
	atomic.AddInt64(&c.misses, 1)
	if pr, ok := c.pending[page]; ok {
		pr.waiters = append(pr.waiters, req)
		return StatusQueued
	}
	if c.queued >= c.maxQueued {
		return StatusRetry
	}
	c.pending[page] = &pendingRead{page: page, waiters: []any{req}}
	c.queued++
	select {
	case c.readCh <- page:
	default:
		// readCh is sized to cacheSize and maxQueued may exceed it;
		// hand the send to a goroutine rather than drop the read.
		go func() { c.readCh <- page }()
	}
	return StatusQueued
}

func (c *Cache) reader() {
	defer c.wg.Done()
	for page := range c.readCh {
		c.mu.Lock()
		for c.stop {
			c.cond.Wait()
		}
		c.mu.Unlock()
		c.serviceRead(page)
	}
}

func (c *Cache) serviceRead(page uint64) {
	buf, err := c.dev.Read(context.Background(), page)
	c.mu.Lock()
	pr := c.pending[page]
	delete(c.pending, page)
	c.queued--
	var data []byte
	if err == nil {
		data = append([]byte(nil), buf.Bytes()...)
		buf.Release()
		c.install(page, data)
	} else {
		atomic.AddInt64(&c.fails, 1)
	}
	waiters := pr.waiters
	c.mu.Unlock()
	for _, w := range waiters {
		c.restart(w, data, err)
	}
}

// install places data into the cache under page, evicting the
// least-recently-used entry if the cache is full. Must be called with
// c.mu held.
func (c *Cache) install(page uint64, data []byte) {
	if i := c.find(page); i >= 0 {
		c.epoch++
		c.entries[i].buf = data
		c.entries[i].lastUsed = c.epoch
		return
	}
	slot := slices.IndexFunc(c.entries, func(e entry) bool { return e.page == 0 })
	if slot < 0 {
		slot = c.evictionCandidate()
	}
	c.epoch++
	c.entries[slot] = entry{page: page, buf: data, lastUsed: c.epoch}
}

// evictionCandidate returns the index of the entry with the smallest
// lastUsed epoch: an approximate-LRU clock.
func (c *Cache) evictionCandidate() int {
	best := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].lastUsed < c.entries[best].lastUsed {
			best = i
		}
	}
	return best
}

// InvalidatePage removes any cache entry for p, with no disk effect.
// It blocks until no zone has an in-flight
// BeginPendingSearch bracket, so consumers reading p's buffer cannot
// observe it disappearing mid-read.
func (c *Cache) InvalidatePage(p uint64) {
	for c.anyPendingSearch() {
		// spin-wait: the barrier is expected to be short-lived since
		// BeginPendingSearch/EndPendingSearch bracket only a single
		// cache lookup, never a blocking operation.
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.find(p); i >= 0 {
		c.entries[i] = entry{}
	}
}

// InvalidateForChapter evicts every page belonging to a chapter that
// has just expired.
func (c *Cache) InvalidateForChapter(pages []uint64) {
	for _, p := range pages {
		c.InvalidatePage(p)
	}
}

// Stop pauses reader dequeues, used by tests to drive the cache into
// a quiescent, inspectable state.
func (c *Cache) Stop() {
	c.mu.Lock()
	c.stop = true
	c.mu.Unlock()
}

// Resume clears Stop and wakes any reader goroutines waiting on it.
func (c *Cache) Resume() {
	c.mu.Lock()
	c.stop = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close shuts down the reader pool. The cache must not be used
// afterward.
func (c *Cache) Close() {
	close(c.readCh)
	c.wg.Wait()
}

// Stats returns the cache's hit/miss/failure counters.
func (c *Cache) Stats() (hits, misses, fails int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses), atomic.LoadInt64(&c.fails)
}

// QueueLen reports the current number of in-flight or queued reads.
func (c *Cache) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}
