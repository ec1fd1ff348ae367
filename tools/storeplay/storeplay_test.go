package storeplay

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"flowline/internal/clock"
	"flowline/internal/envelope"
	"flowline/internal/psistore"
)

func writeSampleStore(t *testing.T, dir, name string) {
	t.Helper()
	exp, err := psistore.NewExporter(dir, name, 4096)
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	stream, err := exp.OpenStream("ticks", "int32", false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	for i := 0; i < 3; i++ {
		env := envelope.Envelope{
			SourceID:        stream.ID,
			SequenceID:      uint64(i + 1),
			OriginatingTime: clock.Instant(int64(i) * 10),
			CreationTime:    clock.Instant(int64(i) * 10),
		}
		if err := exp.WriteMessage(stream.ID, env, []byte{byte(i)}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPlayReplaysEveryMessage(t *testing.T) {
	dir := t.TempDir()
	writeSampleStore(t, dir, "alpha")

	var buf bytes.Buffer
	count, err := Play(dir, "alpha", Options{}, &buf)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 messages, got %d", count)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 JSON lines, got %d", len(lines))
	}
	var first Record
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if first.SequenceID != 1 || first.OriginatingTime != 0 {
		t.Fatalf("unexpected first record: %+v", first)
	}
}

func TestPlayRestrictsToNamedStreams(t *testing.T) {
	dir := t.TempDir()
	writeSampleStore(t, dir, "alpha")

	var buf bytes.Buffer
	count, err := Play(dir, "alpha", Options{StreamNames: []string{"ticks"}}, &buf)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 messages, got %d", count)
	}
}

func TestPlayRejectsUnknownStream(t *testing.T) {
	dir := t.TempDir()
	writeSampleStore(t, dir, "alpha")

	var buf bytes.Buffer
	if _, err := Play(dir, "alpha", Options{StreamNames: []string{"nope"}}, &buf); err == nil {
		t.Fatalf("expected error for unknown stream")
	}
}
