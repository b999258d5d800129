package link

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daq-gateway/common"
)

func TestFrameRoundTripChunked(t *testing.T) {
	frames := []common.Frame{
		common.NewFrame(1),
		common.NewFrame(2, 1, -2, 3),
		common.NewFrame(-7, 1<<30),
	}

	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	reader := NewFrameReader(iotest.OneByteReader(&buf), 0)
	for _, want := range frames {
		got, err := reader.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Opcode, got.Opcode)
		assert.Equal(t, want.Len(), got.Len())
		if want.Len() > 0 {
			assert.Equal(t, want.Args, got.Args)
		}
	}

	_, err := reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, common.NewFrame(5, 1, 2, 3)))

	_, err := NewFrameReader(&buf, 2).Next()
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestFrameReaderTruncatedPayload(t *testing.T) {
	data := EncodeFrame(nil, common.NewFrame(5, 1, 2, 3))

	_, err := NewFrameReader(bytes.NewReader(data[:len(data)-2]), 0).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
