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

// Package chapterwriter runs the single dedicated goroutine that
// commits closed chapters to storage. Zones hand in their share of a
// filled chapter with StartClosingChapter; once every zone has handed
// in, the writer merges the shares, writes the chapter, and wakes
// anyone blocked in FinishPreviousChapter.
package chapterwriter

import (
	"sync"

	"github.com/google/uuid"
	"github.com/udsvolume/uds/logger"
	"github.com/udsvolume/uds/openchapter"
)

// CommitFunc writes one merged chapter to storage. It is supplied by
// the index core, which owns the volume layout; the writer itself
// never touches the device. commitID identifies this commit attempt in
// logs.
type CommitFunc func(commitID uuid.UUID, vc uint64, zoneRecords [][]openchapter.Record) error

// Slot is one zone's contribution to the chapter currently being
// closed.
type Slot struct {
	Zone           uint32
	VirtualChapter uint64
	Records        []openchapter.Record
}

// Writer coordinates chapter commits across zones. One mutex and
// condvar protect stop, result, zonesToWrite, and the slot vector;
// everything else is owned by the writer goroutine.
type Writer struct {
	zoneCount uint32
	commit    CommitFunc
	log       logger.Logger

	mu   sync.Mutex
	cond sync.Cond

	stop         bool
	busy         bool
	result       error
	zonesToWrite uint32
	slots        []*Slot

	// committedThrough is the lowest virtual chapter not yet known to
	// be durably committed: every chapter numbered below it has been
	// written out (or predates this index's history).
	committedThrough uint64

	chaptersWritten uint64

	wg sync.WaitGroup
}

// New allocates a Writer for zoneCount zones whose history starts at
// openChapter (chapters below it are already on disk or never
// existed). Call Start to launch the commit goroutine.
func New(zoneCount uint32, openChapter uint64, commit CommitFunc, log logger.Logger) *Writer {
	w := &Writer{
		zoneCount:        zoneCount,
		commit:           commit,
		log:              logger.OrNop(log),
		slots:            make([]*Slot, zoneCount),
		committedThrough: openChapter,
	}
	w.cond.L = &w.mu
	return w
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for !w.stop && w.zonesToWrite < w.zoneCount {
			w.cond.Wait()
		}
		if w.zonesToWrite < w.zoneCount {
			// Stopping; request queues were drained first, so there is
			// no partially handed-in chapter to lose.
			w.mu.Unlock()
			return
		}
		vc := w.slots[0].VirtualChapter
		zoneRecords := make([][]openchapter.Record, w.zoneCount)
		for i, s := range w.slots {
			zoneRecords[i] = s.Records
		}
		w.busy = true
		w.mu.Unlock()

		id := uuid.New()
		err := w.commit(id, vc, zoneRecords)

		w.mu.Lock()
		if err != nil {
			w.log.Printf("chapterwriter: commit %s of chapter %d failed: %v", id, vc, err)
			if w.result == nil {
				w.result = err
			}
		} else {
			w.chaptersWritten++
		}
		w.committedThrough = vc + 1
		w.zonesToWrite = 0
		for i := range w.slots {
			w.slots[i] = nil
		}
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// StartClosingChapter installs zone's share of chapter vc and wakes
// the writer; when the last zone hands in, the commit begins.
func (w *Writer) StartClosingChapter(zone uint32, vc uint64, records []openchapter.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.slots[zone] = &Slot{Zone: zone, VirtualChapter: vc, Records: records}
	w.zonesToWrite++
	w.cond.Broadcast()
}

// FinishPreviousChapter blocks until every chapter older than vc has
// been committed (successfully or not). A zone calls this before
// swapping in a new open chapter so at most one chapter per zone is
// ever in flight.
func (w *Writer) FinishPreviousChapter(vc uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.committedThrough < vc && !w.stop {
		w.cond.Wait()
	}
}

// Result returns the sticky error of the first failed commit, if any.
// The next zone attempting to close surfaces it.
func (w *Writer) Result() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// WaitIdle blocks until no chapter is being handed in or committed.
func (w *Writer) WaitIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for (w.zonesToWrite != 0 || w.busy) && !w.stop {
		w.cond.Wait()
	}
}

// CommittedThrough reports the lowest virtual chapter not yet
// committed.
func (w *Writer) CommittedThrough() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committedThrough
}

// ChaptersWritten reports how many chapters have been committed since
// Start.
func (w *Writer) ChaptersWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chaptersWritten
}

// Stop signals the writer to exit once idle and waits for it. Callers
// stop the request queues first so no zone is mid-close.
func (w *Writer) Stop() {
	w.mu.Lock()
	w.stop = true
	w.cond.Broadcast()
	w.mu.Unlock()
	w.wg.Wait()
}
