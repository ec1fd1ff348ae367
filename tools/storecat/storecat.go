// Package storecat inspects psi stores on disk without replaying their
// contents: it lists the distinct stores under a directory and the streams
// each one catalogs, the way replay_catalog listed replay headers.
package storecat

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/klauspost/compress/zstd"

	"flowline/internal/psistore"
)

var storeNamePattern = regexp.MustCompile(`^(.+)\.Catalog_\d+\.psi$`)

// StreamEntry is a single stream's catalog metadata, flattened for CLI
// display.
type StreamEntry struct {
	ID                   uint32 `json:"id"`
	Name                 string `json:"name"`
	TypeName             string `json:"type_name"`
	IsIndexed            bool   `json:"is_indexed"`
	MessageCount         uint64 `json:"message_count"`
	TotalBytes           int64  `json:"total_bytes"`
	FirstOriginatingTime int64  `json:"first_originating_time,omitempty"`
	LastOriginatingTime  int64  `json:"last_originating_time,omitempty"`
	Closed               bool   `json:"closed"`
}

// Entry describes one store found under a directory.
type Entry struct {
	Name    string        `json:"name"`
	Live    bool          `json:"live"`
	Streams []StreamEntry `json:"streams"`
}

// List opens every store under dir and reports its catalog contents.
func List(dir string) ([]Entry, error) {
	if dir == "" {
		return nil, fmt.Errorf("storecat: directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storecat: %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	for _, de := range entries {
		m := storeNamePattern.FindStringSubmatch(de.Name())
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	sort.Strings(names)

	out := make([]Entry, 0, len(names))
	for _, name := range names {
		entry, err := describe(dir, name)
		if err != nil {
			return nil, fmt.Errorf("storecat: %s: %w", name, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func describe(dir, name string) (Entry, error) {
	imp, err := psistore.OpenImporter(dir, name)
	if err != nil {
		return Entry{}, err
	}

	streams := imp.AvailableStreams()
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })

	entry := Entry{Name: name, Live: imp.IsLive()}
	for _, sm := range streams {
		se := StreamEntry{
			ID:           sm.ID,
			Name:         sm.Name,
			TypeName:     sm.TypeName,
			IsIndexed:    sm.IsIndexed,
			MessageCount: sm.MessageCount,
			TotalBytes:   sm.TotalBytes,
			Closed:       sm.Closed,
		}
		if sm.HasFirst {
			se.FirstOriginatingTime = int64(sm.FirstOriginatingTime)
			se.LastOriginatingTime = int64(sm.LastOriginatingTime)
		}
		entry.Streams = append(entry.Streams, se)
	}
	return entry, nil
}

// MarshalEntries produces a stable, indented JSON representation for
// human-facing CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// DumpBundle zstd-compresses the JSON catalog for entries, for writing a
// single-file export bundle a caller can archive or ship elsewhere.
func DumpBundle(entries []Entry) ([]byte, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}
