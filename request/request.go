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

// Package request defines the unit of work that flows through a zone's
// pipeline: a dedup query or update against one record name, carried
// from triage through whatever disk and cache lookups it needs until a
// Callback delivers its outcome.
package request

import "github.com/udsvolume/uds/deltaindex"

// Name is a 256-bit record name.
type Name = deltaindex.Name

// Type distinguishes the operation a Request performs
type Type int

const (
	// Post indexes a new or duplicate record, returning whether it was
	// already known.
	Post Type = iota
	// Query looks up a record without touching its metadata.
	Query
	// QueryNoUpdate looks up a record without touching its metadata;
	// the zone pipeline handles it exactly as Query.
	QueryNoUpdate
	// Update overwrites a known record's metadata in place.
	Update
	// Delete removes a record.
	Delete
)

func (t Type) String() string {
	switch t {
	case Post:
		return "POST"
	case Query:
		return "QUERY"
	case QueryNoUpdate:
		return "QUERY_NO_UPDATE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Status reports the outcome of a completed Request
type Status int

const (
	// StatusSuccess means the operation completed as requested.
	StatusSuccess Status = iota
	// StatusNotFound means a Query/Update/Delete found no record.
	StatusNotFound
	// StatusExists means a Post found an existing record with the same
	// name (a duplicate, not an error).
	StatusExists
	// StatusOverflow means a Post could not be recorded because the
	// target list or chapter was full; the entry is dropped, not
	// retried
	StatusOverflow
	// StatusCorrupt means validation of on-disk data failed.
	StatusCorrupt
	// StatusDisabled means the index is in read-only/disabled mode.
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusExists:
		return "EXISTS"
	case StatusOverflow:
		return "OVERFLOW"
	case StatusCorrupt:
		return "CORRUPT"
	case StatusDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// Location records where in the two-level index a Request currently
// needs to look pipeline stage breakdown.
type Location int

const (
	// LocationUnknown means no lookup has been attempted yet.
	LocationUnknown Location = iota
	// LocationOpenChapter means the request resolved (or may resolve)
	// against the zone's mutable open chapter.
	LocationOpenChapter
	// LocationDense means the request targets a closed chapter inside
	// the dense window, reachable through the page cache without a
	// sparse-cache lookup.
	LocationDense
	// LocationSparse means the request targets a closed chapter beyond
	// the dense window, requiring a sparse-cache hit or fault-in.
	LocationSparse
	// LocationRecordPageLookup means the chapter index has been
	// searched and a record-page read is now pending.
	LocationRecordPageLookup
	// LocationUnavailable means the target virtual chapter has aged out
	// of the volume entirely.
	LocationUnavailable
)

func (l Location) String() string {
	switch l {
	case LocationOpenChapter:
		return "OPEN_CHAPTER"
	case LocationDense:
		return "DENSE"
	case LocationSparse:
		return "SPARSE"
	case LocationRecordPageLookup:
		return "RECORD_PAGE_LOOKUP"
	case LocationUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Callback is invoked exactly once, when a Request finishes.
type Callback func(*Request)

// Metadata is the opaque, fixed-size payload a caller associates with
// a record name.
type Metadata = [32]byte

// Request is one in-flight dedup operation against a single record
// name. A Request is owned by exactly one zone at a time; handoff
// between zones happens only via zone.Message, never by sharing a
// Request pointer across goroutines without synchronization.
type Request struct {
	Type Type
	Name Name

	// Zone is the zone number this request has been routed to, chosen
	// once at enqueue time from volumeindex.ZoneOf and never changed.
	Zone uint32

	// VirtualChapter is the chapter this request targets, set by the
	// zone search from the volume index entry for Name.
	VirtualChapter uint64

	// Location tracks pipeline progress for requeue/resume.
	Location Location

	// Found reports whether Name was located (Query/Update/Delete) or
	// already present (Post).
	Found bool

	// Requeued is set whenever a request is handed back to its zone
	// for another pass, after a parked disk read completes or a full
	// read queue; the zone reruns its search from the top each time.
	Requeued bool

	// NewMetadata is the caller-supplied payload for Post/Update.
	NewMetadata Metadata
	// OldMetadata is the metadata found at Name, populated for
	// Query/Update/Delete results.
	OldMetadata Metadata

	Status Status

	// Callback fires once, when the pipeline finishes with this
	// request.
	Callback Callback

	// recordNumber is the resolved record-page slot once a chapter
	// index search has completed; consumed by the record-page read
	// stage.
	recordNumber uint64
	recordPage   uint64
}

// SetResolved records that Name was found at the given record number,
// advancing Location to the record-page lookup stage.
func (r *Request) SetResolved(recordNumber, recordPage uint64) {
	r.recordNumber = recordNumber
	r.recordPage = recordPage
	r.Found = true
	r.Location = LocationRecordPageLookup
}

// RecordNumber returns the resolved record-page slot set by
// SetResolved.
func (r *Request) RecordNumber() uint64 { return r.recordNumber }

// RecordPage returns the physical record page set by SetResolved.
func (r *Request) RecordPage() uint64 { return r.recordPage }

// Finish sets the terminal status and invokes Callback. It is a
// programming error to call Finish twice on the same Request.
func (r *Request) Finish(status Status) {
	r.Status = status
	if r.Callback != nil {
		r.Callback(r)
	}
}
