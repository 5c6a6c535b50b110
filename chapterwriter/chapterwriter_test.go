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

package chapterwriter

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/udsvolume/uds/openchapter"
)

func record(b byte) openchapter.Record {
	var r openchapter.Record
	r.Name[0] = b
	r.Data = []byte{b}
	return r
}

func TestCommitWaitsForEveryZone(t *testing.T) {
	type commit struct {
		vc    uint64
		zones int
	}
	commits := make(chan commit, 4)
	w := New(2, 0, func(_ uuid.UUID, vc uint64, zoneRecords [][]openchapter.Record) error {
		commits <- commit{vc: vc, zones: len(zoneRecords)}
		return nil
	}, nil)
	w.Start()
	defer w.Stop()

	w.StartClosingChapter(0, 0, []openchapter.Record{record(1)})
	select {
	case c := <-commits:
		t.Fatalf("commit %v fired before every zone handed in", c)
	case <-time.After(50 * time.Millisecond):
	}
	w.StartClosingChapter(1, 0, []openchapter.Record{record(2)})
	select {
	case c := <-commits:
		if c.vc != 0 || c.zones != 2 {
			t.Fatalf("unexpected commit %v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("commit never fired")
	}
	w.WaitIdle()
	if got := w.CommittedThrough(); got != 1 {
		t.Fatalf("CommittedThrough: got %d, want 1", got)
	}
	if w.ChaptersWritten() != 1 {
		t.Fatalf("ChaptersWritten: got %d, want 1", w.ChaptersWritten())
	}
}

func TestFinishPreviousChapterBlocksUntilCommit(t *testing.T) {
	release := make(chan struct{})
	w := New(1, 0, func(uuid.UUID, uint64, [][]openchapter.Record) error {
		<-release
		return nil
	}, nil)
	w.Start()
	defer w.Stop()

	w.StartClosingChapter(0, 0, nil)
	done := make(chan struct{})
	go func() {
		w.FinishPreviousChapter(1)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("FinishPreviousChapter returned before the commit")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FinishPreviousChapter never returned")
	}
}

func TestCommitErrorIsSticky(t *testing.T) {
	boom := errors.New("disk is sad")
	w := New(1, 0, func(uuid.UUID, uint64, [][]openchapter.Record) error {
		return boom
	}, nil)
	w.Start()
	defer w.Stop()

	w.StartClosingChapter(0, 0, nil)
	w.FinishPreviousChapter(1)
	if err := w.Result(); !errors.Is(err, boom) {
		t.Fatalf("Result: got %v, want %v", err, boom)
	}
}
