package rtp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

// Record is one packet read back from a container
type Record struct {
	Received time.Time
	Data     []byte
}

// Reader iterates the records of a BRTP container
type Reader struct {
	r      *bufio.Reader
	header Header
}

// NewReader reads and validates the container header
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("read brtp header: %w", err)
	}
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return &Reader{r: br, header: h}, nil
}

// Header returns the container header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record or io.EOF. A record cut short returns
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (Record, error) {
	var rec [RecordHeaderSize]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		return Record{}, err
	}
	ts := int64(binary.BigEndian.Uint64(rec[0:8]))
	length := binary.BigEndian.Uint16(rec[8:10])

	data := make([]byte, length)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Record{Received: time.UnixMilli(ts).UTC(), Data: data}, nil
}

// Summary describes a whole container
type Summary struct {
	Header       Header
	Packets      int
	Bytes        int64
	Invalid      int
	First        time.Time
	Last         time.Time
	SSRCs        []uint32
	Truncated    bool
	payloadTypes map[uint8]int
}

// Duration is the distance between the first and last packet
func (s Summary) Duration() time.Duration {
	if s.First.IsZero() {
		return 0
	}
	return s.Last.Sub(s.First)
}

// PayloadTypes returns packet counts per payload type
func (s Summary) PayloadTypes() map[uint8]int {
	out := make(map[uint8]int, len(s.payloadTypes))
	for k, v := range s.payloadTypes {
		out[k] = v
	}
	return out
}

// Summarize reads a container to the end
func Summarize(r io.Reader) (Summary, error) {
	reader, err := NewReader(r)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Header: reader.Header(), payloadTypes: make(map[uint8]int)}
	ssrcs := make(map[uint32]struct{})
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			s.Truncated = true
			break
		}
		if err != nil {
			return s, fmt.Errorf("read brtp record: %w", err)
		}

		s.Packets++
		s.Bytes += int64(len(rec.Data))
		if s.First.IsZero() {
			s.First = rec.Received
		}
		s.Last = rec.Received

		p, err := Parse(rec.Data, rec.Received)
		if err != nil {
			s.Invalid++
			continue
		}
		ssrcs[p.Header.SSRC] = struct{}{}
		s.payloadTypes[p.Header.PayloadType]++
	}

	for ssrc := range ssrcs {
		s.SSRCs = append(s.SSRCs, ssrc)
	}
	sort.Slice(s.SSRCs, func(i, j int) bool { return s.SSRCs[i] < s.SSRCs[j] })
	return s, nil
}
