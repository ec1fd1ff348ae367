// Package storeplay replays a psi store's streams to a writer in
// chronological order, JSON-line per message, the way replay_player decoded
// a replay bundle for offline inspection.
package storeplay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"flowline/internal/extent"
	"flowline/internal/psistore"
)

// Record is one played-back message, JSON-encoded per line.
type Record struct {
	StreamID        uint32 `json:"stream_id"`
	SourceID        uint32 `json:"source_id"`
	SequenceID      uint64 `json:"sequence_id"`
	OriginatingTime int64  `json:"originating_time"`
	CreationTime    int64  `json:"creation_time"`
	PayloadB64      string `json:"payload_b64"`
}

// Options controls which streams are replayed.
type Options struct {
	// StreamNames restricts playback to these streams. Empty means every
	// stream in the catalog.
	StreamNames []string
}

// Play opens the store named name under dir and writes every message from
// the requested streams to w as newline-delimited JSON, ordered by the
// store's sequential data cursor.
func Play(dir, name string, opts Options, w io.Writer) (int, error) {
	imp, err := psistore.OpenImporter(dir, name)
	if err != nil {
		return 0, err
	}

	if len(opts.StreamNames) == 0 {
		for _, sm := range imp.AvailableStreams() {
			if _, err := imp.OpenStream(sm.Name); err != nil {
				return 0, fmt.Errorf("storeplay: open stream %q: %w", sm.Name, err)
			}
		}
	} else {
		for _, n := range opts.StreamNames {
			if _, err := imp.OpenStream(n); err != nil {
				return 0, fmt.Errorf("storeplay: open stream %q: %w", n, err)
			}
		}
	}

	enc := json.NewEncoder(w)
	count := 0
	for {
		msg, err := imp.Read()
		if errors.Is(err, extent.ErrNoMoreData) {
			break
		}
		if err != nil {
			return count, err
		}
		rec := Record{
			StreamID:        msg.Envelope.SourceID,
			SourceID:        msg.Envelope.SourceID,
			SequenceID:      msg.Envelope.SequenceID,
			OriginatingTime: int64(msg.Envelope.OriginatingTime),
			CreationTime:    int64(msg.Envelope.CreationTime),
			PayloadB64:      base64.StdEncoding.EncodeToString(msg.Payload),
		}
		if err := enc.Encode(rec); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
