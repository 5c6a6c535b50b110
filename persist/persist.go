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

// Package persist writes and reads the clean-shutdown snapshot of an
// index: the volume index, the index-page map, each zone's open
// chapter, and a small state header. The open-chapter files double as
// the clean marker: they are written last on save and deleted on the
// first chapter commit after a load, so their absence on the next load
// means the index must be rebuilt from the volume.
//
// Snapshot bodies are s2-compressed. This compresses only the index's
// own saved state, never user payloads carried inside records.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/s2"
	"sigs.k8s.io/yaml"

	"github.com/udsvolume/uds/bitcodec"
	"github.com/udsvolume/uds/chapter"
	"github.com/udsvolume/uds/geometry"
	"github.com/udsvolume/uds/logger"
	"github.com/udsvolume/uds/openchapter"
	"github.com/udsvolume/uds/udserr"
	"github.com/udsvolume/uds/volumeindex"
)

const (
	stateFile       = "index.state"
	volumeIndexFile = "volumeindex.s2"
	pageMapFile     = "pagemap.s2"
	openChapterFmt  = "openchapter-%03d.s2"

	openChapterMagic = "OC-00001"

	// Version is the snapshot format version this build reads and
	// writes.
	Version = 2
)

// State is the yaml-encoded index-wide header saved alongside the
// snapshot bodies.
type State struct {
	Version       int    `json:"version"`
	InstanceID    string `json:"instanceID"`
	ZoneCount     uint32 `json:"zoneCount"`
	OpenChapter   uint64 `json:"openChapter"`
	OldestChapter uint64 `json:"oldestChapter"`
}

func writeCompressed(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	sw := s2.NewWriter(f)
	if err := write(sw); err != nil {
		f.Close()
		return err
	}
	if err := sw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readCompressed(path string, read func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return read(s2.NewReader(f))
}

// Save writes a full snapshot into dir. The open-chapter files are
// written last; a crash mid-save therefore leaves no clean marker and
// the next load rebuilds.
func Save(dir string, st State, vi *volumeindex.VolumeIndex, pm *chapter.PageMap, zoneRecords [][]openchapter.Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := DiscardOpenChapters(dir); err != nil {
		return err
	}
	if err := writeCompressed(filepath.Join(dir, volumeIndexFile), vi.Save); err != nil {
		return fmt.Errorf("persist: saving volume index: %w", err)
	}
	if err := writeCompressed(filepath.Join(dir, pageMapFile), pm.Save); err != nil {
		return fmt.Errorf("persist: saving page map: %w", err)
	}
	st.Version = Version
	doc, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), doc, 0o644); err != nil {
		return fmt.Errorf("persist: saving state: %w", err)
	}
	for z, records := range zoneRecords {
		path := filepath.Join(dir, fmt.Sprintf(openChapterFmt, z))
		err := writeCompressed(path, func(w io.Writer) error {
			return saveOpenChapter(w, uint32(z), records)
		})
		if err != nil {
			return fmt.Errorf("persist: saving open chapter %d: %w", z, err)
		}
	}
	return nil
}

func saveOpenChapter(w io.Writer, z uint32, records []openchapter.Record) error {
	if _, err := io.WriteString(w, openChapterMagic); err != nil {
		return err
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[:4], z)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(records)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := w.Write(r.Name[:]); err != nil {
			return err
		}
		var n2 [2]byte
		binary.LittleEndian.PutUint16(n2[:], uint16(len(r.Data)))
		if _, err := w.Write(n2[:]); err != nil {
			return err
		}
		if _, err := w.Write(r.Data); err != nil {
			return err
		}
	}
	return nil
}

func loadOpenChapter(r io.Reader) ([]openchapter.Record, error) {
	magic := make([]byte, len(openChapterMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != openChapterMagic {
		return nil, fmt.Errorf("persist: bad open chapter magic %q: %w", magic, udserr.UnsupportedVersion)
	}
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(hdr[4:])
	records := make([]openchapter.Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec openchapter.Record
		if _, err := io.ReadFull(r, rec.Name[:]); err != nil {
			return nil, err
		}
		var n2 [2]byte
		if _, err := io.ReadFull(r, n2[:]); err != nil {
			return nil, err
		}
		rec.Data = make([]byte, binary.LittleEndian.Uint16(n2[:]))
		if _, err := io.ReadFull(r, rec.Data); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Load reads a snapshot from dir. A missing state file or missing
// open-chapter file yields udserr.NotSavedCleanly, the signal to
// rebuild from the volume. The running zone count may differ from the
// saved one; restored records and lists are scattered to their current
// owners.
func Load(dir string, g geometry.Geometry, params bitcodec.Params, log logger.Logger) (State, *volumeindex.VolumeIndex, *chapter.PageMap, []openchapter.Record, error) {
	var st State
	doc, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil, nil, nil, udserr.NotSavedCleanly
		}
		return st, nil, nil, nil, err
	}
	if err := yaml.Unmarshal(doc, &st); err != nil {
		return st, nil, nil, nil, fmt.Errorf("persist: parsing state: %w", err)
	}
	if st.Version != Version {
		return st, nil, nil, nil, fmt.Errorf("persist: snapshot version %d: %w", st.Version, udserr.UnsupportedVersion)
	}

	var records []openchapter.Record
	for z := uint32(0); z < st.ZoneCount; z++ {
		path := filepath.Join(dir, fmt.Sprintf(openChapterFmt, z))
		err := readCompressed(path, func(r io.Reader) error {
			recs, err := loadOpenChapter(r)
			if err != nil {
				return err
			}
			records = append(records, recs...)
			return nil
		})
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return st, nil, nil, nil, udserr.NotSavedCleanly
			}
			return st, nil, nil, nil, err
		}
	}

	var vi *volumeindex.VolumeIndex
	err = readCompressed(filepath.Join(dir, volumeIndexFile), func(r io.Reader) error {
		var err error
		vi, err = volumeindex.Restore(g, params, r, log)
		return err
	})
	if err != nil {
		return st, nil, nil, nil, fmt.Errorf("persist: loading volume index: %w", err)
	}
	var pm *chapter.PageMap
	err = readCompressed(filepath.Join(dir, pageMapFile), func(r io.Reader) error {
		var err error
		pm, err = chapter.LoadPageMap(r, g)
		return err
	})
	if err != nil {
		return st, nil, nil, nil, fmt.Errorf("persist: loading page map: %w", err)
	}
	return st, vi, pm, records, nil
}

// DiscardOpenChapters deletes the clean-shutdown marker files (the
// per-zone open chapter saves), whatever zone count wrote them.
func DiscardOpenChapters(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "openchapter-*.s2"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
