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

package index

import (
	"context"
	"sort"

	"github.com/udsvolume/uds/chapter"
	"github.com/udsvolume/uds/deltaindex"
	"github.com/udsvolume/uds/recordpage"
)

// rebuild walks the volume chapter by chapter, reconstructing the
// volume index and the index-page map from whatever chapters survive
// on disk. It is best-effort: corrupt or partially written chapters
// are skipped, and overflow or duplicate-name failures while
// re-inserting records are ignored. Returns the chapter to open next
// and the oldest chapter found.
func (ix *Index) rebuild(lc *LoadContext) (openVC, oldestVC uint64, err error) {
	g := ix.geom
	ctx := context.Background()

	type foundChapter struct {
		vc     uint64
		physCh uint64
	}
	var chapters []foundChapter
	for physCh := uint64(0); physCh < g.ChaptersPerVolume; physCh++ {
		if err := lc.checkpoint(); err != nil {
			return 0, 0, err
		}
		buf, rerr := ix.dev.Read(ctx, chapter.IndexDevicePage(g, physCh, 0))
		if rerr != nil {
			continue
		}
		p, perr := deltaindex.LoadPage(buf.Bytes(), ix.params, chapter.RecordValueBits(g), g.ChapterIndexListCount())
		buf.Release()
		if perr != nil {
			// Empty slot, or a partial write; either way the chapter
			// is simply absent.
			continue
		}
		if p.VirtualChapter%g.ChaptersPerVolume != physCh {
			continue
		}
		chapters = append(chapters, foundChapter{vc: p.VirtualChapter, physCh: physCh})
	}
	if len(chapters) == 0 {
		return 0, 0, nil
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].vc < chapters[j].vc })

	oldestVC = chapters[0].vc
	openVC = chapters[len(chapters)-1].vc + 1

	// Anchors must be in place before replay so mod-reduced chapter
	// payloads round-trip to the right virtual chapters.
	for z := uint32(0); z < g.ZoneCount; z++ {
		ix.vi.SetOpenChapter(z, openVC)
	}

	var replayed uint64
	for _, ch := range chapters {
		if err := lc.checkpoint(); err != nil {
			return 0, 0, err
		}
		var entries []chapter.PageMapEntry
		for i := uint64(0); i < g.IndexPagesPerChapter; i++ {
			buf, rerr := ix.dev.Read(ctx, chapter.IndexDevicePage(g, ch.physCh, i))
			if rerr != nil {
				break
			}
			p, perr := deltaindex.LoadPage(buf.Bytes(), ix.params, chapter.RecordValueBits(g), g.ChapterIndexListCount())
			buf.Release()
			if perr != nil || p.VirtualChapter != ch.vc {
				break
			}
			entries = append(entries, chapter.PageMapEntry{
				FirstList: p.FirstList,
				LastList:  p.FirstList + p.ListCount - 1,
			})
		}
		ix.pageMap.Update(ch.physCh, entries)

		for rp := uint64(0); rp < g.RecordPagesPerChapter; rp++ {
			buf, rerr := ix.dev.Read(ctx, chapter.RecordDevicePage(g, ch.physCh, rp))
			if rerr != nil {
				break
			}
			recs, uerr := recordpage.UnpackPage(buf.Bytes(), g.RecordsPerPage)
			buf.Release()
			if uerr != nil {
				break
			}
			for _, r := range recs {
				if r.IsZero() {
					continue
				}
				if !ix.vi.IsSample(r.Name) {
					continue
				}
				// Put swallows overflow and duplicate names itself;
				// any other failure is still best-effort here.
				if perr := ix.vi.Put(r.Name, ch.vc); perr != nil {
					ix.log.Printf("index: rebuild: re-indexing record in chapter %d: %v", ch.vc, perr)
					continue
				}
				replayed++
			}
		}
	}
	ix.log.Printf("index: rebuild replayed %d chapters, %d records", len(chapters), replayed)
	return openVC, oldestVC, nil
}
