package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var frameHeader = []byte{frameHead0, frameHead1}

// FrameErrorFunc is called for every malformed or discarded chunk of input.
// dropped is the number of bytes removed from the buffer.
type FrameErrorFunc func(err error, dropped int)

// Decoder extracts frame payloads from a byte stream.
//
// It never gives up on the stream: junk in front of a header is skipped, a frame
// with a bad terminator is abandoned at the next header candidate, and a frame with
// a bad checksum is dropped as a whole, so later valid frames are still recovered.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	onError FrameErrorFunc
}

// NewDecoder creates a Decoder. onError may be nil.
func NewDecoder(onError FrameErrorFunc) *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096), onError: onError}
}

// Feed appends data to the internal buffer and returns the payloads of all complete,
// valid frames. Incomplete trailing bytes are kept for the next call.
func (d *Decoder) Feed(data []byte) [][]byte {
	d.buf = append(d.buf, data...)

	var payloads [][]byte
	for len(d.buf) >= frameOverhead {
		// phase 1: align the buffer on a frame header
		if d.buf[0] != frameHead0 || d.buf[1] != frameHead1 {
			idx := bytes.Index(d.buf, frameHeader)
			if idx < 0 {
				d.report(ErrResync, len(d.buf))
				d.buf = d.buf[:0]

				break
			}
			d.report(ErrResync, idx)
			d.consume(idx)

			if len(d.buf) < frameOverhead {
				break
			}
		}

		// phase 2: wait for the complete frame
		payloadLen := int(binary.LittleEndian.Uint16(d.buf[2:4]))
		frameLen := payloadLen + frameOverhead
		if len(d.buf) < frameLen {
			break
		}

		// phase 3: check the terminator, on failure jump to the next header candidate
		if d.buf[frameLen-1] != frameTail {
			next := bytes.Index(d.buf[1:], frameHeader)
			if next < 0 {
				d.report(ErrBadTerminator, len(d.buf))
				d.buf = d.buf[:0]
			} else {
				d.report(ErrBadTerminator, next+1)
				d.consume(next + 1)
			}

			continue
		}

		// phase 4: verify checksum and hand out a copy of the payload
		payload := d.buf[4 : 4+payloadLen]
		crc := binary.LittleEndian.Uint16(d.buf[4+payloadLen : 6+payloadLen])
		if calc := Checksum(payload); calc != crc {
			d.report(fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrBadCRC, crc, calc), frameLen)
			d.consume(frameLen)

			continue
		}

		out := make([]byte, payloadLen)
		copy(out, payload)
		payloads = append(payloads, out)
		d.consume(frameLen)
	}

	return payloads
}

// Buffered returns the number of bytes waiting for more input.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any buffered input.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

func (d *Decoder) consume(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

func (d *Decoder) report(err error, dropped int) {
	if d.onError != nil && dropped > 0 {
		d.onError(err, dropped)
	}
}
