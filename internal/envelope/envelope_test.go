package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/clock"
)

func TestLessOrdersByOriginatingTimeThenTie(t *testing.T) {
	a := Envelope{SourceID: 2, SequenceID: 1, OriginatingTime: 100}
	b := Envelope{SourceID: 1, SequenceID: 1, OriginatingTime: 200}
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))

	c := Envelope{SourceID: 1, SequenceID: 5, OriginatingTime: 100}
	d := Envelope{SourceID: 2, SequenceID: 1, OriginatingTime: 100}
	assert.True(t, Less(c, d), "equal originating time breaks tie on source id")

	e := Envelope{SourceID: 1, SequenceID: 1, OriginatingTime: 100}
	f := Envelope{SourceID: 1, SequenceID: 2, OriginatingTime: 100}
	assert.True(t, Less(e, f), "equal source id breaks tie on sequence id")
}

func TestEnvelopeBinaryRoundTrip(t *testing.T) {
	e := Envelope{SourceID: 7, SequenceID: 42, OriginatingTime: clock.Instant(123456789), CreationTime: clock.Instant(987654321)}
	buf := make([]byte, BinarySize)
	require.NoError(t, Encode(e, buf))
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEncodeDecodeBufferTooSmall(t *testing.T) {
	buf := make([]byte, BinarySize-1)
	assert.Error(t, Encode(Envelope{}, buf))
	_, err := Decode(buf)
	assert.Error(t, err)
}
