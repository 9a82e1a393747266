package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSprayRoundTrip(t *testing.T) {
	for _, s := range []Spray{
		{},
		{OrigSrcPort: 0xffff, FirstSeq: MaxSeq, Flags: SprayFlagLast},
		{OrigSrcPort: 49152, FirstSeq: 100},
	} {
		buf := []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
		require.NoError(t, s.Encode(buf))
		assert.Equal(t, []byte{0, 0}, buf[6:8], "padding must be zeroed")

		got, err := DecodeSpray(buf)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestSprayShortBuffer(t *testing.T) {
	_, err := DecodeSpray(make([]byte, SprayLen-1))
	assert.ErrorIs(t, err, ErrTruncated)
	assert.ErrorIs(t, Spray{}.Encode(nil), ErrTruncated)
}

func TestCtrlRoundTrip(t *testing.T) {
	c := CtrlSequence{NumPacket: 25, First: 100, Last: 124, QPID: 5, StartEnd: CtrlEnd}
	buf := make([]byte, CtrlLen)
	require.NoError(t, c.Encode(buf))

	got, err := DecodeCtrl(buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = DecodeCtrl(buf[:CtrlLen-1])
	assert.ErrorIs(t, err, ErrTruncated)
}
