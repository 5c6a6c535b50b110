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

package geometry

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// Config is the YAML-shaped, pre-validation form of Geometry. It is
// parsed from a configuration file (or an inline byte slice) and then
// frozen into a Geometry with Build. Keeping Config separate from
// Geometry means a bad config file is rejected before any index
// memory is allocated.
type Config struct {
	RecordsPerChapter       uint64 `json:"recordsPerChapter"`
	ChaptersPerVolume       uint64 `json:"chaptersPerVolume"`
	SparseChaptersPerVolume uint64 `json:"sparseChaptersPerVolume"`
	RecordPagesPerChapter   uint64 `json:"recordPagesPerChapter"`
	IndexPagesPerChapter    uint64 `json:"indexPagesPerChapter"`
	RecordsPerPage          uint64 `json:"recordsPerPage"`
	ZoneCount               uint32 `json:"zoneCount"`
	ChapterIndexBits        uint8  `json:"chapterIndexBits"`
	VolumeIndexBits         uint8  `json:"volumeIndexBits"`
	VolumeIndexListBits     uint8  `json:"volumeIndexListBits"`
	ChapterIndexListBits    uint8  `json:"chapterIndexListBits"`
	SampleBits              uint8  `json:"sampleBits"`
	SampleRate              uint32 `json:"sampleRate"`
	MeanDelta               uint32 `json:"meanDelta"`
	PayloadBits             uint8  `json:"payloadBits"`
}

// ParseConfig decodes a YAML document into a Config
// (sigs.k8s.io/yaml round-trips it through JSON, so the json tags
// above are authoritative).
func ParseConfig(doc []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return Config{}, fmt.Errorf("geometry: parsing config: %w", err)
	}
	return c, nil
}

// Default returns a modest dense single-volume layout suitable for
// tests and small deployments.
func Default() Config {
	return Config{
		RecordsPerChapter:       16384,
		ChaptersPerVolume:       1024,
		SparseChaptersPerVolume: 0,
		RecordPagesPerChapter:   256,
		IndexPagesPerChapter:    16,
		RecordsPerPage:          64,
		ZoneCount:               4,
		ChapterIndexBits:        48,
		VolumeIndexBits:         64,
		VolumeIndexListBits:     16,
		ChapterIndexListBits:    10,
		SampleBits:              16,
		SampleRate:              1,
		MeanDelta:               256,
		PayloadBits:             24,
	}
}

// Build validates c and freezes it into a Geometry.
func (c Config) Build() (Geometry, error) {
	g := Geometry{
		RecordsPerChapter:       c.RecordsPerChapter,
		ChaptersPerVolume:       c.ChaptersPerVolume,
		SparseChaptersPerVolume: c.SparseChaptersPerVolume,
		RecordPagesPerChapter:   c.RecordPagesPerChapter,
		IndexPagesPerChapter:    c.IndexPagesPerChapter,
		RecordsPerPage:          c.RecordsPerPage,
		ZoneCount:               c.ZoneCount,
		ChapterIndexBits:        c.ChapterIndexBits,
		VolumeIndexBits:         c.VolumeIndexBits,
		VolumeIndexListBits:     c.VolumeIndexListBits,
		ChapterIndexListBits:    c.ChapterIndexListBits,
		SampleBits:              c.SampleBits,
		SampleRate:              c.SampleRate,
		MeanDelta:               c.MeanDelta,
		PayloadBits:             c.PayloadBits,
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}
