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

// Package sparsecache implements the fully-associative cache of
// chapter indexes for chapters beyond the dense horizon. Membership
// changes are funneled through barrier messages (package zone) that
// land in Admit, which holds the cache-wide lock across the chapter
// load: every zone's probes pause while membership changes, and only
// one loader ever runs. The same lock covers recency updates from
// zones probing different chapters at the same time.
package sparsecache

import (
	"sync"

	"github.com/udsvolume/uds/chapter"
)

// Cache holds closed chapters kept around purely for their index
// pages; sparse lookups resolve a record number here and then read the
// record page through the page cache.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*chapter.Closed
	lru      []uint64 // most-recently-used chapter numbers, front = most recent
}

// New allocates a Cache holding at most capacity chapter indexes.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint64]*chapter.Closed, capacity),
	}
}

// Contains reports whether vc is currently cached.
func (c *Cache) Contains(vc uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[vc]
	return ok
}

// Get returns the cached chapter index for vc, if present, and
// touches its recency.
func (c *Cache) Get(vc uint64) (*chapter.Closed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.entries[vc]
	if ok {
		c.touch(vc)
	}
	return ch, ok
}

// Admit ensures vc is cached, invoking load to read its chapter index
// if absent. The cache stays locked for the duration of the load, so
// every zone's probes pause while membership changes and exactly one
// loader runs at a time.
func (c *Cache) Admit(vc uint64, load func() (*chapter.Closed, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[vc]; ok {
		return nil
	}
	ch, err := load()
	if err != nil {
		return err
	}
	c.add(ch)
	return nil
}

// Add inserts ch under its virtual chapter number, evicting the least
// recently used entry if the cache is already at capacity.
func (c *Cache) Add(ch *chapter.Closed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(ch)
}

func (c *Cache) add(ch *chapter.Closed) {
	vc := ch.VirtualChapter
	if _, ok := c.entries[vc]; ok {
		c.entries[vc] = ch
		c.touch(vc)
		return
	}
	if len(c.entries) >= c.capacity && c.capacity > 0 {
		victim := c.lru[len(c.lru)-1]
		delete(c.entries, victim)
		c.lru = c.lru[:len(c.lru)-1]
	}
	c.entries[vc] = ch
	c.lru = append([]uint64{vc}, c.lru...)
}

// Remove evicts vc from the cache, if present — used when a sparse
// chapter expires off the volume entirely.
func (c *Cache) Remove(vc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[vc]; !ok {
		return
	}
	delete(c.entries, vc)
	for i, v := range c.lru {
		if v == vc {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
}

func (c *Cache) touch(vc uint64) {
	for i, v := range c.lru {
		if v == vc {
			if i != 0 {
				c.lru = append(c.lru[:i], c.lru[i+1:]...)
				c.lru = append([]uint64{vc}, c.lru...)
			}
			return
		}
	}
}

// Len returns the number of chapter indexes currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
