package rtp

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// BRTP container layout: a 32-byte header followed by packet records of
// [receivedAt int64 ms][length uint16][packet bytes], all big-endian.
const (
	Magic            = "BRTP"
	Version          = 1
	HeaderSize       = 32
	RecordHeaderSize = 10
	codecLen         = 8
)

// Header is the container file header
type Header struct {
	Version     uint8
	PayloadType uint8
	SSRC        uint32
	Codec       string
	StartTime   time.Time
}

// MarshalBinary encodes the header into its fixed 32-byte form
func (h Header) MarshalBinary() ([]byte, error) {
	if len(h.Codec) > codecLen {
		return nil, fmt.Errorf("codec name %q longer than %d bytes", h.Codec, codecLen)
	}
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	buf[4] = h.Version
	buf[5] = h.PayloadType
	// 6..8 reserved
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
	copy(buf[12:20], h.Codec)
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.StartTime.UnixMilli()))
	// 28..32 padding
	return buf, nil
}

// UnmarshalBinary decodes and validates a 32-byte header
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("brtp header too short: %d bytes", len(data))
	}
	if string(data[0:4]) != Magic {
		return fmt.Errorf("invalid brtp magic %q", data[0:4])
	}
	if data[4] != Version {
		return fmt.Errorf("unsupported brtp version %d", data[4])
	}
	h.Version = data[4]
	h.PayloadType = data[5]
	h.SSRC = binary.BigEndian.Uint32(data[8:12])
	h.Codec = strings.TrimRight(string(data[12:20]), "\x00")
	h.StartTime = time.UnixMilli(int64(binary.BigEndian.Uint64(data[20:28]))).UTC()
	return nil
}
