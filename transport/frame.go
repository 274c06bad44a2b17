package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Kobra-S1/ACEPRO/internal/pool"
)

const (
	frameHead0 byte = 0xFF
	frameHead1 byte = 0xAA
	frameTail  byte = 0xFE

	// frameOverhead is the number of bytes around the payload: 2 header, 2 length, 2 CRC, 1 tail.
	frameOverhead = 7

	// MaxPayloadLen is the largest payload the 16-bit length field can describe.
	MaxPayloadLen = 0xFFFF
)

// Request is a method call sent to an ACE unit.
//
// ID is assigned by the Connection when the request enters the window.
type Request struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// NewRequest creates a request for method with optional params.
func NewRequest(method string, params map[string]any) Request {
	return Request{Method: method, Params: params}
}

// Response is a reply or an unsolicited report from an ACE unit.
type Response struct {
	ID     *int            `json:"id,omitempty"`
	Code   int             `json:"code"`
	Msg    string          `json:"msg,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// CorrelationID returns the request id carried by the response.
// ok is false for responses without an id.
func (r *Response) CorrelationID() (id int, ok bool) {
	if r == nil || r.ID == nil {
		return 0, false
	}

	return *r.ID, true
}

// DecodeResult unmarshals the result object into v.
func (r *Response) DecodeResult(v any) error {
	if r == nil || len(r.Result) == 0 {
		return fmt.Errorf("transport: response has no result")
	}

	return json.Unmarshal(r.Result, v)
}

// EncodeFrame wraps payload into a wire frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	var u16 [2]byte
	buf.WriteByte(frameHead0)
	buf.WriteByte(frameHead1)
	binary.LittleEndian.PutUint16(u16[:], uint16(len(payload)))
	buf.Write(u16[:])
	buf.Write(payload)
	binary.LittleEndian.PutUint16(u16[:], Checksum(payload))
	buf.Write(u16[:])
	buf.WriteByte(frameTail)

	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())

	return frame, nil
}

// EncodeRequest serializes req as JSON and wraps it into a wire frame.
func EncodeRequest(req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", req.Method, err)
	}

	return EncodeFrame(payload)
}

// ParseResponse decodes a frame payload into a Response.
func ParseResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("transport: JSON decode error: %w", err)
	}

	return &resp, nil
}
