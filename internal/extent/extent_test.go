package extent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	set := NewSet(Options{BasePath: dir + "/name.Data", Ext: "psi", Capacity: 4096})
	w, err := NewWriter(set)
	require.NoError(t, err)

	payloads := [][]byte{[]byte("hello"), []byte("world!!"), []byte("x")}
	for _, p := range payloads {
		require.NoError(t, w.ReserveBlock(len(p)))
		require.NoError(t, w.WriteToBlock(0, p))
		_, _, err := w.CommitBlock()
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r := NewReader(set, false)
	for _, want := range payloads {
		got, err := r.ReadNext()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = r.ReadNext()
	assert.ErrorIs(t, err, ErrNoMoreData)
}

func TestRollOverToNextExtent(t *testing.T) {
	dir := t.TempDir()
	// Tiny capacity forces a roll-over after the first block.
	set := NewSet(Options{BasePath: dir + "/name.Data", Ext: "psi", Capacity: 32})
	w, err := NewWriter(set)
	require.NoError(t, err)

	first := make([]byte, 16)
	for i := range first {
		first[i] = byte(i)
	}
	require.NoError(t, w.ReserveBlock(len(first)))
	require.NoError(t, w.WriteToBlock(0, first))
	id0, _, err := w.CommitBlock()
	require.NoError(t, err)
	assert.Equal(t, 0, id0)

	second := []byte("rolled-over-block")
	require.NoError(t, w.ReserveBlock(len(second)))
	require.NoError(t, w.WriteToBlock(0, second))
	id1, _, err := w.CommitBlock()
	require.NoError(t, err)
	assert.Equal(t, 1, id1)
	require.NoError(t, w.Close())

	r := NewReader(set, false)
	got, err := r.ReadNext()
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = r.ReadNext()
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestWriteToBlockRejectsOutOfBounds(t *testing.T) {
	dir := t.TempDir()
	set := NewSet(Options{BasePath: dir + "/name.Data", Ext: "psi", Capacity: 4096})
	w, err := NewWriter(set)
	require.NoError(t, err)

	require.NoError(t, w.ReserveBlock(4))
	err = w.WriteToBlock(0, []byte("too-long-for-block"))
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestVolatileSetRetainsOnlyRecentExtents(t *testing.T) {
	set := NewSet(Options{BasePath: "mem", Ext: "psi", Capacity: 32, Volatile: true, Retain: 1})
	w, err := NewWriter(set)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p := []byte("0123456789012345") // 16 bytes; one per 32-byte extent after the header
		require.NoError(t, w.ReserveBlock(len(p)))
		require.NoError(t, w.WriteToBlock(0, p))
		_, _, err := w.CommitBlock()
		require.NoError(t, err)
	}

	// Retain=1 keeps only the current and immediately prior extent alive.
	assert.LessOrEqual(t, len(set.extents), 2)
}

func TestSeekRepositionsReader(t *testing.T) {
	dir := t.TempDir()
	set := NewSet(Options{BasePath: dir + "/name.Data", Ext: "psi", Capacity: 4096})
	w, err := NewWriter(set)
	require.NoError(t, err)

	var positions []int64
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		require.NoError(t, w.ReserveBlock(len(p)))
		require.NoError(t, w.WriteToBlock(0, p))
		_, pos, err := w.CommitBlock()
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, w.Close())

	r := NewReader(set, false)
	r.Seek(0, positions[2])
	got, err := r.ReadNext()
	require.NoError(t, err)
	assert.Equal(t, payloads[2], got)
}
