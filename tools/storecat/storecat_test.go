package storecat

import (
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
	stream, err := exp.OpenStream("positions", "vec3", false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	env := envelope.Envelope{SourceID: stream.ID, SequenceID: 1, OriginatingTime: clock.Instant(10), CreationTime: clock.Instant(10)}
	if err := exp.WriteMessage(stream.ID, env, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestListCollectsStoresAndStreams(t *testing.T) {
	dir := t.TempDir()
	writeSampleStore(t, dir, "alpha")
	writeSampleStore(t, dir, "bravo")

	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 stores, got %d", len(entries))
	}
	if entries[0].Name != "alpha" || entries[1].Name != "bravo" {
		t.Fatalf("unexpected store ordering: %+v", entries)
	}
	if len(entries[0].Streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(entries[0].Streams))
	}
	stream := entries[0].Streams[0]
	if stream.Name != "positions" || stream.TypeName != "vec3" {
		t.Fatalf("unexpected stream metadata: %+v", stream)
	}
	if stream.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", stream.MessageCount)
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected non-empty JSON payload")
	}

	bundle, err := DumpBundle(entries)
	if err != nil {
		t.Fatalf("DumpBundle: %v", err)
	}
	if len(bundle) == 0 {
		t.Fatalf("expected non-empty compressed bundle")
	}
}

func TestListRejectsMissingDirectory(t *testing.T) {
	if _, err := List(""); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}
