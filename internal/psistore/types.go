// Package psistore implements the on-disk store format built on top of
// internal/extent: a catalog file, page-index file, data file, and optional
// large-data file per named store (spec.md §4.9, §4.10, §6).
package psistore

import (
	"encoding/binary"
	"errors"
	"math"

	"flowline/internal/clock"
	"flowline/internal/envelope"
)

// ErrUnknownStream is returned when a write or read references a stream id
// that was never opened.
var ErrUnknownStream = errors.New("psistore: unknown stream")

// ErrStoreNotFound is returned when OpenImporter cannot locate a store's
// catalog.
var ErrStoreNotFound = errors.New("psistore: store not found")

// ErrCatalogCorrupt is returned when a catalog record fails to decode.
var ErrCatalogCorrupt = errors.New("psistore: catalog corrupt")

// ErrIndexCorrupt is returned when a page-index record is the wrong size.
var ErrIndexCorrupt = errors.New("psistore: index corrupt")

// ErrReceiverTypeMismatch is returned when a replay caller requests a Go
// type incompatible with a stream's recorded type name.
var ErrReceiverTypeMismatch = errors.New("psistore: receiver type mismatch")

// CatalogRecordKind tags the three kinds of catalog record.
type CatalogRecordKind uint8

const (
	RuntimeInfo CatalogRecordKind = iota
	TypeSchema
	StreamMetadataRecord
)

// RuntimeInfoRecord is always the first record in a catalog.
type RuntimeInfoRecord struct {
	FormatVersion int
}

// TypeSchemaRecord records the first time a stream's payload type is seen.
type TypeSchemaRecord struct {
	TypeName string
}

// StreamMetadata is the per-stream counters and time ranges a catalog
// tracks; the last stream_metadata record for a given id is authoritative.
type StreamMetadata struct {
	ID       uint32
	Name     string
	TypeName string
	IsIndexed bool

	MessageCount uint64
	TotalBytes   int64

	HasFirst             bool
	FirstCreationTime    clock.Instant
	LastCreationTime     clock.Instant
	FirstOriginatingTime clock.Instant
	LastOriginatingTime  clock.Instant

	Closed bool
}

func (s StreamMetadata) clone() *StreamMetadata {
	c := s
	return &c
}

// catalogRecord is the length-prefixed, kind-tagged envelope persisted to
// the catalog file. Exactly one of its payload fields is set, matching Kind.
type catalogRecord struct {
	Kind    CatalogRecordKind
	Runtime *RuntimeInfoRecord `json:",omitempty"`
	Schema  *TypeSchemaRecord  `json:",omitempty"`
	Stream  *StreamMetadata    `json:",omitempty"`
}

// IndexEntry is the fixed 24-byte page-index / indexed-stream record
// (spec.md §6): extent_id:i32, position:i32, creation_time:i64,
// originating_time:i64. A negative ExtentID means the payload lives in the
// large-data set at extent id (ExtentID - math.MinInt32).
type IndexEntry struct {
	ExtentID        int32
	Position        int32
	CreationTime    clock.Instant
	OriginatingTime clock.Instant
}

// IndexEntrySize is the fixed wire size of an IndexEntry.
const IndexEntrySize = 4 + 4 + 8 + 8

// IsLarge reports whether this entry points into the large-data set.
func (e IndexEntry) IsLarge() bool { return e.ExtentID < 0 }

// LargeExtentID returns the large-data extent id this entry points into;
// only meaningful when IsLarge is true.
func (e IndexEntry) LargeExtentID() int32 { return e.ExtentID - math.MinInt32 }

// largeIndexEntry builds the index entry for a block written to the
// large-data set at (extentID, position).
func largeIndexEntry(extentID, position int32, env envelope.Envelope) IndexEntry {
	return IndexEntry{
		ExtentID:        int32(math.MinInt32) + extentID,
		Position:        position,
		CreationTime:    env.CreationTime,
		OriginatingTime: env.OriginatingTime,
	}
}

func encodeIndexEntry(e IndexEntry, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.ExtentID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Position))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.CreationTime))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.OriginatingTime))
}

func decodeIndexEntry(buf []byte) IndexEntry {
	return IndexEntry{
		ExtentID:        int32(binary.LittleEndian.Uint32(buf[0:4])),
		Position:        int32(binary.LittleEndian.Uint32(buf[4:8])),
		CreationTime:    clock.Instant(binary.LittleEndian.Uint64(buf[8:16])),
		OriginatingTime: clock.Instant(binary.LittleEndian.Uint64(buf[16:24])),
	}
}
