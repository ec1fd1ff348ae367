package psistore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/envelope"
)

func mkenv(source uint32, seq uint64, ot int64) envelope.Envelope {
	return envelope.Envelope{SourceID: source, SequenceID: seq, OriginatingTime: 100 + ot, CreationTime: 200 + ot}
}

func TestExportImportRoundTripPlainStream(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(dir, "store", 0)
	require.NoError(t, err)

	sm, err := exp.OpenStream("ticks", "int32", false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, exp.WriteMessage(sm.ID, mkenv(sm.ID, uint64(i), int64(i)), []byte{byte(i)}))
	}
	require.NoError(t, exp.Close())

	imp, err := OpenImporter(dir, "store")
	require.NoError(t, err)

	streams := imp.AvailableStreams()
	require.Len(t, streams, 1)
	assert.Equal(t, "ticks", streams[0].Name)
	assert.EqualValues(t, 5, streams[0].MessageCount)

	got, err := imp.OpenStream("ticks")
	require.NoError(t, err)
	assert.Equal(t, sm.ID, got.ID)

	for i := 0; i < 5; i++ {
		msg, err := imp.Read()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, msg.Payload)
		assert.Equal(t, uint64(i), msg.Envelope.SequenceID)
	}
}

func TestExportImportRoundTripIndexedStream(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(dir, "store", 0)
	require.NoError(t, err)

	sm, err := exp.OpenStream("frames", "[]byte", true)
	require.NoError(t, err)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, exp.WriteMessage(sm.ID, mkenv(sm.ID, 0, 0), big))
	require.NoError(t, exp.Close())

	imp, err := OpenImporter(dir, "store")
	require.NoError(t, err)
	_, err = imp.OpenStream("frames")
	require.NoError(t, err)

	msg, err := imp.Read()
	require.NoError(t, err)
	assert.Equal(t, big, msg.Payload)
}

func TestSeekFindsPageBoundary(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(dir, "store", 64) // tiny page size forces frequent index entries
	require.NoError(t, err)

	sm, err := exp.OpenStream("ticks", "int32", false)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, exp.WriteMessage(sm.ID, mkenv(sm.ID, uint64(i), int64(i)), make([]byte, 16)))
	}
	require.NoError(t, exp.Close())

	imp, err := OpenImporter(dir, "store")
	require.NoError(t, err)
	require.NotEmpty(t, imp.pageIdx)
	_, err = imp.OpenStream("ticks")
	require.NoError(t, err)

	target := imp.pageIdx[len(imp.pageIdx)-1].OriginatingTime
	imp.Seek(target)
	msg, err := imp.Read()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, msg.Envelope.OriginatingTime, target)
}

func TestCloseStreamMarksClosedInCatalog(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(dir, "store", 0)
	require.NoError(t, err)

	sm, err := exp.OpenStream("ticks", "int32", false)
	require.NoError(t, err)
	require.NoError(t, exp.CloseStream(sm.ID))
	require.NoError(t, exp.Close())

	imp, err := OpenImporter(dir, "store")
	require.NoError(t, err)
	streams := imp.AvailableStreams()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].Closed)
}

func TestIsLiveReflectsExporterLifetime(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(dir, "store", 0)
	require.NoError(t, err)
	_, err = exp.OpenStream("ticks", "int32", false)
	require.NoError(t, err)

	imp, err := OpenImporter(dir, "store")
	require.NoError(t, err)
	assert.True(t, imp.IsLive())

	require.NoError(t, exp.Close())
	assert.False(t, imp.IsLive())
}
