package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// prefixSize is the number of bytes in the big-endian length prefix that
// precedes every payload on the raw transport. The prefix counts the
// payload only, not itself.
const prefixSize = 4

// DefaultMaxFrameSize bounds the length prefix a peer may claim. Anything
// larger is a protocol violation and fatal to the connection, since the
// stream can no longer be realigned.
const DefaultMaxFrameSize = 1 << 20 // 1MB

// FrameDecoder splits an arbitrarily-chunked byte stream into complete
// length-prefixed payloads. Feed it raw network chunks in the order read;
// call Next until it reports no frame. A zero-length payload is legal and
// yields an empty (non-nil) slice.
//
// The decoder keeps one buffer and one expected-length slot; both reset
// after each complete frame. It is not safe for concurrent use.
type FrameDecoder struct {
	buf     []byte
	need    int // payload length of the frame in progress, -1 while reading the prefix
	maxSize int
}

// NewFrameDecoder returns a decoder enforcing the given maximum payload
// size. A maxSize of zero or less selects DefaultMaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{need: -1, maxSize: maxSize}
}

// Feed appends a chunk of stream data to the decoder's buffer.
func (d *FrameDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete payload, if one is buffered. The second
// return is false when more data is needed. ErrFrameTooLarge is fatal:
// the caller must drop the connection.
func (d *FrameDecoder) Next() ([]byte, bool, error) {
	if d.need < 0 {
		if len(d.buf) < prefixSize {
			return nil, false, nil
		}
		n := binary.BigEndian.Uint32(d.buf[:prefixSize])
		if n > uint32(d.maxSize) {
			return nil, false, errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", n, d.maxSize)
		}
		d.need = int(n)
		d.buf = d.buf[prefixSize:]
	}

	if len(d.buf) < d.need {
		return nil, false, nil
	}

	payload := make([]byte, d.need)
	copy(payload, d.buf[:d.need])
	d.buf = d.buf[d.need:]
	d.need = -1

	return payload, true, nil
}

// WriteFrame writes one payload to w with its length prefix. It is the
// structural inverse of FrameDecoder.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, prefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[prefixSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}
