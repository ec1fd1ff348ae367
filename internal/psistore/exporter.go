package psistore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/golang/snappy"

	"flowline/internal/envelope"
	"flowline/internal/extent"
)

const defaultPageSize = 4096

const (
	catalogCapacity = 1 << 20
	indexCapacity   = 1 << 20
	dataCapacity    = 16 << 20
	largeCapacity   = 64 << 20
)

// Exporter is the psi store writer: it fans a message out to the data file
// (or, for indexed streams, the large-data file plus an index_entry in the
// data file) and maintains the catalog and page index (spec.md §4.9).
type Exporter struct {
	dir  string
	name string

	catalogSet *extent.Set
	indexSet   *extent.Set
	dataSet    *extent.Set
	largeSet   *extent.Set

	catalogW *extent.Writer
	indexW   *extent.Writer
	dataW    *extent.Writer
	largeW   *extent.Writer

	liveMarker *os.File

	mu                  sync.Mutex
	streams             map[uint32]*StreamMetadata
	byName              map[string]uint32
	nextStreamID        uint32
	seenTypes           map[string]bool
	pageSize            int64
	bytesSinceLastIndex int64
}

// NewExporter creates (or reopens) a store named name under dir.
func NewExporter(dir, name string, pageSize int64) (*Exporter, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Join(dir, name)

	e := &Exporter{
		dir:       dir,
		name:      name,
		streams:   make(map[uint32]*StreamMetadata),
		byName:    make(map[string]uint32),
		seenTypes: make(map[string]bool),
		pageSize:  pageSize,
	}
	e.catalogSet = extent.NewSet(extent.Options{BasePath: base + ".Catalog", Ext: "psi", Capacity: catalogCapacity})
	e.indexSet = extent.NewSet(extent.Options{BasePath: base + ".Index", Ext: "psi", Capacity: indexCapacity})
	e.dataSet = extent.NewSet(extent.Options{BasePath: base + ".Data", Ext: "psi", Capacity: dataCapacity})
	e.largeSet = extent.NewSet(extent.Options{BasePath: base + ".LargeData", Ext: "psi", Capacity: largeCapacity})

	var err error
	if e.catalogW, err = extent.NewWriter(e.catalogSet); err != nil {
		return nil, err
	}
	if e.indexW, err = extent.NewWriter(e.indexSet); err != nil {
		return nil, err
	}
	if e.dataW, err = extent.NewWriter(e.dataSet); err != nil {
		return nil, err
	}
	if e.largeW, err = extent.NewWriter(e.largeSet); err != nil {
		return nil, err
	}

	marker, err := os.OpenFile(base+".LivePsiStore", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(marker.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		marker.Close()
		return nil, err
	}
	e.liveMarker = marker

	if err := e.writeCatalogRecord(catalogRecord{Kind: RuntimeInfo, Runtime: &RuntimeInfoRecord{FormatVersion: 1}}); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exporter) writeCatalogRecord(rec catalogRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := e.catalogW.ReserveBlock(len(payload)); err != nil {
		return err
	}
	if err := e.catalogW.WriteToBlock(0, payload); err != nil {
		return err
	}
	_, _, err = e.catalogW.CommitBlock()
	return err
}

// OpenStream registers a new stream in the catalog and returns its
// metadata handle.
func (e *Exporter) OpenStream(name, typeName string, isIndexed bool) (*StreamMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextStreamID++
	sm := &StreamMetadata{ID: e.nextStreamID, Name: name, TypeName: typeName, IsIndexed: isIndexed}
	e.streams[sm.ID] = sm
	e.byName[name] = sm.ID

	if !e.seenTypes[typeName] {
		e.seenTypes[typeName] = true
		if err := e.writeCatalogRecord(catalogRecord{Kind: TypeSchema, Schema: &TypeSchemaRecord{TypeName: typeName}}); err != nil {
			return nil, err
		}
	}
	if err := e.writeCatalogRecord(catalogRecord{Kind: StreamMetadataRecord, Stream: sm.clone()}); err != nil {
		return nil, err
	}
	return sm, nil
}

// WriteMessage persists one message. The data-file block is always
// prefixed with the message's envelope (whose SourceID already identifies
// the owning stream), so a reader can demultiplex without a separate
// per-block stream tag.
func (e *Exporter) WriteMessage(streamID uint32, env envelope.Envelope, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sm, ok := e.streams[streamID]
	if !ok {
		return ErrUnknownStream
	}

	var body []byte
	if sm.IsIndexed {
		compressed := snappy.Encode(nil, payload)
		if err := e.largeW.ReserveBlock(len(compressed)); err != nil {
			return err
		}
		if err := e.largeW.WriteToBlock(0, compressed); err != nil {
			return err
		}
		lExtent, lPos, err := e.largeW.CommitBlock()
		if err != nil {
			return err
		}
		ie := largeIndexEntry(int32(lExtent), int32(lPos), env)
		buf := make([]byte, envelope.BinarySize+IndexEntrySize)
		if err := envelope.Encode(env, buf[:envelope.BinarySize]); err != nil {
			return err
		}
		encodeIndexEntry(ie, buf[envelope.BinarySize:])
		body = buf
	} else {
		buf := make([]byte, envelope.BinarySize+len(payload))
		if err := envelope.Encode(env, buf[:envelope.BinarySize]); err != nil {
			return err
		}
		copy(buf[envelope.BinarySize:], payload)
		body = buf
	}

	if err := e.dataW.ReserveBlock(len(body)); err != nil {
		return err
	}
	if err := e.dataW.WriteToBlock(0, body); err != nil {
		return err
	}
	dExtent, dPos, err := e.dataW.CommitBlock()
	if err != nil {
		return err
	}

	sm.MessageCount++
	sm.TotalBytes += int64(len(payload))
	if !sm.HasFirst {
		sm.FirstCreationTime = env.CreationTime
		sm.FirstOriginatingTime = env.OriginatingTime
		sm.HasFirst = true
	}
	sm.LastCreationTime = env.CreationTime
	sm.LastOriginatingTime = env.OriginatingTime

	e.bytesSinceLastIndex += int64(len(body))
	if e.bytesSinceLastIndex >= e.pageSize {
		entry := IndexEntry{ExtentID: int32(dExtent), Position: int32(dPos), CreationTime: env.CreationTime, OriginatingTime: env.OriginatingTime}
		if err := e.appendPageIndex(entry); err != nil {
			return err
		}
		e.bytesSinceLastIndex = 0
	}
	return nil
}

func (e *Exporter) appendPageIndex(entry IndexEntry) error {
	buf := make([]byte, IndexEntrySize)
	encodeIndexEntry(entry, buf)
	if err := e.indexW.ReserveBlock(len(buf)); err != nil {
		return err
	}
	if err := e.indexW.WriteToBlock(0, buf); err != nil {
		return err
	}
	_, _, err := e.indexW.CommitBlock()
	return err
}

// CloseStream marks a stream closed and appends its final, authoritative
// stream_metadata record.
func (e *Exporter) CloseStream(streamID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sm, ok := e.streams[streamID]
	if !ok {
		return ErrUnknownStream
	}
	sm.Closed = true
	return e.writeCatalogRecord(catalogRecord{Kind: StreamMetadataRecord, Stream: sm.clone()})
}

// Close flushes and closes every file and releases the live marker.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(e.catalogW.Close())
	record(e.indexW.Close())
	record(e.dataW.Close())
	record(e.largeW.Close())

	if e.liveMarker != nil {
		path := e.liveMarker.Name()
		syscall.Flock(int(e.liveMarker.Fd()), syscall.LOCK_UN)
		e.liveMarker.Close()
		os.Remove(path)
	}
	return firstErr
}
