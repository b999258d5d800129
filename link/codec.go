package link

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"daq-gateway/common"
)

// DefaultMaxArgs bounds the argument count accepted from the wire.
const DefaultMaxArgs = 1 << 16

const headerSize = 8

var ErrFrameTooLarge = errors.New("frame exceeds argument limit")

// EncodeFrame appends the wire form of f to buf: int32 opcode, uint32 argc, argc int32
// arguments, all little-endian.
func EncodeFrame(buf []byte, f common.Frame) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.Opcode))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Args)))
	for _, a := range f.Args {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(a))
	}
	return buf
}

// WriteFrame writes f with a single Write call.
func WriteFrame(w io.Writer, f common.Frame) error {
	_, err := w.Write(EncodeFrame(make([]byte, 0, headerSize+4*len(f.Args)), f))
	return err
}

// FrameReader decodes frames from a byte stream that may deliver them in arbitrary chunks.
type FrameReader struct {
	r       *bufio.Reader
	maxArgs int
	header  [headerSize]byte
}

func NewFrameReader(r io.Reader, maxArgs int) *FrameReader {
	if maxArgs <= 0 {
		maxArgs = DefaultMaxArgs
	}
	return &FrameReader{r: bufio.NewReader(r), maxArgs: maxArgs}
}

// Next blocks until a whole frame is available.
func (fr *FrameReader) Next() (common.Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return common.Frame{}, err
	}

	opcode := int32(binary.LittleEndian.Uint32(fr.header[0:4]))
	argc := binary.LittleEndian.Uint32(fr.header[4:8])

	if argc > uint32(fr.maxArgs) {
		return common.Frame{}, fmt.Errorf("%w: opcode %d declares %d args", ErrFrameTooLarge, opcode, argc)
	}

	payload := make([]byte, 4*int(argc))
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return common.Frame{}, err
	}

	args := make([]int32, argc)
	for i := range args {
		args[i] = int32(binary.LittleEndian.Uint32(payload[4*i:]))
	}

	return common.Frame{Opcode: opcode, Args: args}, nil
}
