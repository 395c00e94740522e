package rtp

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

const (
	minPacketSize = 12
	rtpVersion    = 2
)

var ErrNotRTP = errors.New("not an rtp packet")

// Packet is a validated RTP packet plus the time it reached us
type Packet struct {
	Header   rtp.Header
	Payload  []byte
	Raw      []byte
	Received time.Time
}

// Parse validates raw datagram bytes as an RTP packet. The returned packet
// keeps a reference to data.
func Parse(data []byte, received time.Time) (*Packet, error) {
	if len(data) < minPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotRTP, len(data))
	}
	if v := data[0] >> 6; v != rtpVersion {
		return nil, fmt.Errorf("%w: version %d", ErrNotRTP, v)
	}

	var packet rtp.Packet
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal rtp packet: %w", err)
	}

	return &Packet{
		Header:   packet.Header,
		Payload:  packet.Payload,
		Raw:      data,
		Received: received,
	}, nil
}

// SSRC reads the synchronisation source without a full parse
func SSRC(data []byte) (uint32, error) {
	if len(data) < minPacketSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrNotRTP, len(data))
	}
	return uint32(data[8])<<24 | uint32(data[9])<<16 | uint32(data[10])<<8 | uint32(data[11]), nil
}
