package psistore

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/golang/snappy"

	"flowline/internal/clock"
	"flowline/internal/envelope"
	"flowline/internal/extent"
)

// ErrStreamNotEnabled is returned by Read/ReadAt when the stream a block
// belongs to has not been opened for reading.
var ErrStreamNotEnabled = errors.New("psistore: stream not enabled")

// Importer is the psi store reader: it loads the catalog and page index
// into memory, then streams blocks sequentially or at random access
// (spec.md §4.10).
type Importer struct {
	dir  string
	name string

	catalogSet *extent.Set
	indexSet   *extent.Set
	dataSet    *extent.Set
	largeSet   *extent.Set

	mu       sync.RWMutex
	streams  map[uint32]*StreamMetadata
	byName   map[string]uint32
	enabled  map[uint32]bool
	pageIdx  []IndexEntry // ascending by originating time

	dataReader *extent.Reader
}

// OpenImporter opens an existing store named name under dir, loading its
// catalog and page index.
func OpenImporter(dir, name string) (*Importer, error) {
	base := filepath.Join(dir, name)
	if _, err := os.Stat(base + ".Catalog_000000.psi"); err != nil {
		return nil, ErrStoreNotFound
	}

	imp := &Importer{
		dir:     dir,
		name:    name,
		streams: make(map[uint32]*StreamMetadata),
		byName:  make(map[string]uint32),
		enabled: make(map[uint32]bool),
	}
	imp.catalogSet = extent.NewSet(extent.Options{BasePath: base + ".Catalog", Ext: "psi", Capacity: catalogCapacity})
	imp.indexSet = extent.NewSet(extent.Options{BasePath: base + ".Index", Ext: "psi", Capacity: indexCapacity})
	imp.dataSet = extent.NewSet(extent.Options{BasePath: base + ".Data", Ext: "psi", Capacity: dataCapacity})
	imp.largeSet = extent.NewSet(extent.Options{BasePath: base + ".LargeData", Ext: "psi", Capacity: largeCapacity})

	if err := imp.loadCatalog(); err != nil {
		return nil, err
	}
	if err := imp.loadPageIndex(); err != nil {
		return nil, err
	}
	imp.dataReader = extent.NewReader(imp.dataSet, imp.IsLive())
	return imp, nil
}

func (imp *Importer) loadCatalog() error {
	r := extent.NewReader(imp.catalogSet, false)
	for {
		blk, err := r.ReadNext()
		if errors.Is(err, extent.ErrNoMoreData) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec catalogRecord
		if err := json.Unmarshal(blk, &rec); err != nil {
			return ErrCatalogCorrupt
		}
		switch rec.Kind {
		case StreamMetadataRecord:
			if rec.Stream != nil {
				imp.streams[rec.Stream.ID] = rec.Stream
				imp.byName[rec.Stream.Name] = rec.Stream.ID
			}
		default:
			// runtime_info / type_schema carry no per-stream state needed here.
		}
	}
}

func (imp *Importer) loadPageIndex() error {
	r := extent.NewReader(imp.indexSet, false)
	for {
		blk, err := r.ReadNext()
		if errors.Is(err, extent.ErrNoMoreData) {
			break
		}
		if err != nil {
			return err
		}
		if len(blk) != IndexEntrySize {
			return ErrIndexCorrupt
		}
		imp.pageIdx = append(imp.pageIdx, decodeIndexEntry(blk))
	}
	sort.Slice(imp.pageIdx, func(i, j int) bool { return imp.pageIdx[i].OriginatingTime < imp.pageIdx[j].OriginatingTime })
	return nil
}

// AvailableStreams returns a snapshot of every stream recorded in the
// catalog.
func (imp *Importer) AvailableStreams() []StreamMetadata {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	out := make([]StreamMetadata, 0, len(imp.streams))
	for _, sm := range imp.streams {
		out = append(out, *sm)
	}
	return out
}

// StreamCount returns the number of distinct streams in the catalog.
func (imp *Importer) StreamCount() int {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	return len(imp.streams)
}

// StreamTimeInterval returns the [first, last] originating-time span
// recorded for a stream.
func (imp *Importer) StreamTimeInterval(id uint32) (clock.Instant, clock.Instant, bool) {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	sm, ok := imp.streams[id]
	if !ok || !sm.HasFirst {
		return 0, 0, false
	}
	return sm.FirstOriginatingTime, sm.LastOriginatingTime, true
}

// OpenStream enables a stream for reads by name or id string lookup by
// name, returning its metadata.
func (imp *Importer) OpenStream(name string) (*StreamMetadata, error) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	id, ok := imp.byName[name]
	if !ok {
		return nil, ErrUnknownStream
	}
	imp.enabled[id] = true
	return imp.streams[id], nil
}

// OpenStreamByID enables a stream for reads by its numeric id.
func (imp *Importer) OpenStreamByID(id uint32) (*StreamMetadata, error) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	sm, ok := imp.streams[id]
	if !ok {
		return nil, ErrUnknownStream
	}
	imp.enabled[id] = true
	return sm, nil
}

// Seek positions the sequential reader at the page-index entry with the
// greatest originating time not exceeding t.
func (imp *Importer) Seek(t clock.Instant) {
	imp.mu.RLock()
	idx := imp.pageIdx
	imp.mu.RUnlock()

	if len(idx) == 0 {
		imp.dataReader.Seek(0, 0)
		return
	}
	i := sort.Search(len(idx), func(i int) bool { return idx[i].OriginatingTime > t })
	if i == 0 {
		imp.dataReader.Seek(0, 0)
		return
	}
	entry := idx[i-1]
	imp.dataReader.Seek(int(entry.ExtentID), int64(entry.Position))
}

// Message is a demultiplexed record read back from the data file: the
// original envelope and its payload bytes.
type Message struct {
	Envelope envelope.Envelope
	Payload  []byte
}

// Read returns the next record from the sequential cursor, following an
// index_entry into the large-data file transparently when the owning
// stream is indexed.
func (imp *Importer) Read() (Message, error) {
	for {
		blk, err := imp.dataReader.ReadNext()
		if err != nil {
			return Message{}, err
		}
		if len(blk) < envelope.BinarySize {
			return Message{}, ErrIndexCorrupt
		}
		env, err := envelope.Decode(blk[:envelope.BinarySize])
		if err != nil {
			return Message{}, err
		}

		imp.mu.RLock()
		sm, known := imp.streams[env.SourceID]
		isEnabled := imp.enabled[env.SourceID]
		imp.mu.RUnlock()
		if !known || !isEnabled {
			continue // skip disabled/unknown streams, per move_next semantics
		}

		rest := blk[envelope.BinarySize:]
		if sm.IsIndexed {
			if len(rest) != IndexEntrySize {
				return Message{}, ErrIndexCorrupt
			}
			ie := decodeIndexEntry(rest)
			payload, err := imp.readLarge(ie)
			if err != nil {
				return Message{}, err
			}
			return Message{Envelope: env, Payload: payload}, nil
		}
		return Message{Envelope: env, Payload: append([]byte(nil), rest...)}, nil
	}
}

// ReadAt performs a random-access read of the block identified by entry
// without disturbing the sequential cursor.
func (imp *Importer) ReadAt(entry IndexEntry) (Message, error) {
	r := extent.NewReader(imp.dataSet, false)
	r.Seek(int(entry.ExtentID), int64(entry.Position))
	blk, err := r.ReadNext()
	if err != nil {
		return Message{}, err
	}
	if len(blk) < envelope.BinarySize {
		return Message{}, ErrIndexCorrupt
	}
	env, err := envelope.Decode(blk[:envelope.BinarySize])
	if err != nil {
		return Message{}, err
	}
	rest := blk[envelope.BinarySize:]

	imp.mu.RLock()
	sm, known := imp.streams[env.SourceID]
	imp.mu.RUnlock()
	if !known {
		return Message{}, ErrUnknownStream
	}
	if sm.IsIndexed {
		if len(rest) != IndexEntrySize {
			return Message{}, ErrIndexCorrupt
		}
		payload, err := imp.readLarge(decodeIndexEntry(rest))
		if err != nil {
			return Message{}, err
		}
		return Message{Envelope: env, Payload: payload}, nil
	}
	return Message{Envelope: env, Payload: append([]byte(nil), rest...)}, nil
}

func (imp *Importer) readLarge(ie IndexEntry) ([]byte, error) {
	r := extent.NewReader(imp.largeSet, false)
	r.Seek(int(ie.LargeExtentID()), int64(ie.Position))
	blk, err := r.ReadNext()
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, blk)
}

// IsLive reports whether the store's writer still holds the live marker
// file exclusively.
func (imp *Importer) IsLive() bool {
	path := filepath.Join(imp.dir, imp.name+".LivePsiStore")
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return true // could not acquire exclusively: a writer holds it
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return false
}

// CopyStream streams every block of the named stream to another exporter
// without deserializing the payload, for archival/compaction tools.
func (imp *Importer) CopyStream(name string, dst *Exporter) error {
	sm, err := imp.OpenStream(name)
	if err != nil {
		return err
	}
	dstStream, err := dst.OpenStream(sm.Name, sm.TypeName, sm.IsIndexed)
	if err != nil {
		return err
	}

	imp.Seek(clock.MinInstant)
	for {
		msg, err := imp.Read()
		if errors.Is(err, extent.ErrNoMoreData) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Envelope.SourceID != sm.ID {
			continue
		}
		if err := dst.WriteMessage(dstStream.ID, msg.Envelope, msg.Payload); err != nil {
			return err
		}
	}
}
