package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	require := require.New(t)

	require.Equal(uint16(0x6F91), Checksum([]byte("123456789")))
	require.Equal(uint16(0xFFFF), Checksum(nil))
}

func TestEncodeFrame(t *testing.T) {
	require := require.New(t)

	payload := []byte(`{"id":0,"method":"get_status"}`)
	frame, err := EncodeFrame(payload)
	require.NoError(err)
	require.Len(frame, len(payload)+frameOverhead)
	require.Equal([]byte{0xFF, 0xAA}, frame[:2])
	require.Equal(byte(len(payload)), frame[2])
	require.Equal(byte(0), frame[3])
	require.Equal(payload, frame[4:4+len(payload)])
	crc := Checksum(payload)
	require.Equal(byte(crc&0xff), frame[len(frame)-3])
	require.Equal(byte(crc>>8), frame[len(frame)-2])
	require.Equal(byte(0xFE), frame[len(frame)-1])

	_, err = EncodeFrame(make([]byte, MaxPayloadLen+1))
	require.ErrorIs(err, ErrPayloadTooLarge)
}

func TestEncodeRequest(t *testing.T) {
	require := require.New(t)

	req := NewRequest("feed_filament", map[string]any{"index": 2, "length": 100, "speed": 60})
	req.ID = 7
	frame, err := EncodeRequest(req)
	require.NoError(err)

	payloads := NewDecoder(nil).Feed(frame)
	require.Len(payloads, 1)

	var got map[string]any
	require.NoError(json.Unmarshal(payloads[0], &got))
	require.Equal(float64(7), got["id"])
	require.Equal("feed_filament", got["method"])
	require.Equal(map[string]any{"index": float64(2), "length": float64(100), "speed": float64(60)}, got["params"])
}

func TestDecoder_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{}`),
		[]byte(`{"id":1,"code":0,"msg":"success","result":{"status":"ready"}}`),
		bytes.Repeat([]byte("x"), 300),
		{0xFF, 0xAA, 0xFE, 0x00}, // frame markers inside a payload
		{},
	}

	for _, p := range payloads {
		t.Run("", func(t *testing.T) {
			require := require.New(t)

			frame, err := EncodeFrame(p)
			require.NoError(err)

			got := NewDecoder(nil).Feed(frame)
			require.Len(got, 1)
			require.Equal(p, got[0])
		})
	}
}

func TestDecoder_Stream(t *testing.T) {
	require := require.New(t)

	f1, _ := EncodeFrame([]byte(`{"id":1}`))
	f2, _ := EncodeFrame([]byte(`{"id":2}`))
	f3, _ := EncodeFrame([]byte(`{"id":3}`))

	t.Run("byte by byte", func(t *testing.T) {
		d := NewDecoder(nil)
		stream := bytes.Join([][]byte{f1, f2, f3}, nil)

		var got [][]byte
		for i := range stream {
			got = append(got, d.Feed(stream[i:i+1])...)
		}
		require.Len(got, 3)
		require.Equal([]byte(`{"id":3}`), got[2])
		require.Zero(d.Buffered())
	})

	t.Run("junk before header", func(t *testing.T) {
		var errs []error
		d := NewDecoder(func(err error, _ int) { errs = append(errs, err) })

		got := d.Feed(append([]byte{0x01, 0x02, 0xFF, 0x03}, f1...))
		require.Len(got, 1)
		require.Equal([]byte(`{"id":1}`), got[0])
		require.NotEmpty(errs)
		require.ErrorIs(errs[0], ErrResync)
	})

	t.Run("corrupt crc", func(t *testing.T) {
		var errs []error
		d := NewDecoder(func(err error, _ int) { errs = append(errs, err) })

		bad := bytes.Clone(f2)
		bad[len(bad)-3] ^= 0x55

		got := d.Feed(bytes.Join([][]byte{f1, bad, f3}, nil))
		require.Len(got, 2)
		require.Equal([]byte(`{"id":1}`), got[0])
		require.Equal([]byte(`{"id":3}`), got[1])
		require.Len(errs, 1)
		require.ErrorIs(errs[0], ErrBadCRC)
	})

	t.Run("bad terminator", func(t *testing.T) {
		var errs []error
		d := NewDecoder(func(err error, _ int) { errs = append(errs, err) })

		bad := bytes.Clone(f2)
		bad[len(bad)-1] = 0x00

		got := d.Feed(bytes.Join([][]byte{bad, f3}, nil))
		require.Len(got, 1)
		require.Equal([]byte(`{"id":3}`), got[0])

		found := false
		for _, err := range errs {
			if errors.Is(err, ErrBadTerminator) {
				found = true
			}
		}
		require.True(found)
	})

	t.Run("incomplete frame is kept", func(t *testing.T) {
		d := NewDecoder(nil)

		require.Empty(d.Feed(f1[:5]))
		require.Equal(5, d.Buffered())
		got := d.Feed(f1[5:])
		require.Len(got, 1)

		d.Feed(f2[:3])
		d.Reset()
		require.Zero(d.Buffered())
	})
}

func TestParseResponse(t *testing.T) {
	require := require.New(t)

	resp, err := ParseResponse([]byte(`{"id":5,"code":0,"msg":"success","result":{"status":"busy"}}`))
	require.NoError(err)

	id, ok := resp.CorrelationID()
	require.True(ok)
	require.Equal(5, id)

	var res struct {
		Status string `json:"status"`
	}
	require.NoError(resp.DecodeResult(&res))
	require.Equal("busy", res.Status)

	resp, err = ParseResponse([]byte(`{"code":-1,"msg":"FORBIDDEN"}`))
	require.NoError(err)
	_, ok = resp.CorrelationID()
	require.False(ok)
	require.Error(resp.DecodeResult(&res))

	_, err = ParseResponse([]byte(`{"id":`))
	require.Error(err)
}
