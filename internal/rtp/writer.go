package rtp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

const defaultFlushSize = 32 * 1024

var ErrWriterClosed = errors.New("brtp writer is closed")

// WriterConfig configures a Writer. Zero SSRC and payload type are taken
// from the first packet written.
type WriterConfig struct {
	Codec       string
	SSRC        uint32
	PayloadType uint8
	StartTime   time.Time
	// FlushSize is the buffered byte count that triggers a write to the
	// underlying writer
	FlushSize int
}

// WriterStats counts what has been written so far
type WriterStats struct {
	Packets int64
	Bytes   int64
}

// Writer appends RTP packets to a BRTP container. The header is written
// exactly once, so any byte ranges of the output concatenate back into one
// valid container.
type Writer struct {
	mu         sync.Mutex
	out        io.Writer
	buf        bytes.Buffer
	cfg        WriterConfig
	headerDone bool
	closed     bool
	stats      WriterStats
}

// NewWriter creates a writer on top of out
func NewWriter(out io.Writer, cfg WriterConfig) (*Writer, error) {
	if out == nil {
		return nil, errors.New("brtp writer needs an output")
	}
	if len(cfg.Codec) > codecLen {
		cfg.Codec = cfg.Codec[:codecLen]
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = defaultFlushSize
	}
	return &Writer{out: out, cfg: cfg}, nil
}

// WritePacket buffers one packet record
func (w *Writer) WritePacket(p *Packet) error {
	if len(p.Raw) > math.MaxUint16 {
		return fmt.Errorf("rtp packet of %d bytes does not fit a record", len(p.Raw))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if !w.headerDone {
		if err := w.writeHeaderLocked(p); err != nil {
			return err
		}
	}

	var rec [RecordHeaderSize]byte
	binary.BigEndian.PutUint64(rec[0:8], uint64(p.Received.UnixMilli()))
	binary.BigEndian.PutUint16(rec[8:10], uint16(len(p.Raw)))
	w.buf.Write(rec[:])
	w.buf.Write(p.Raw)

	w.stats.Packets++
	w.stats.Bytes += int64(RecordHeaderSize + len(p.Raw))

	if w.buf.Len() >= w.cfg.FlushSize {
		return w.flushLocked()
	}
	return nil
}

func (w *Writer) writeHeaderLocked(first *Packet) error {
	h := Header{
		Version:     Version,
		PayloadType: w.cfg.PayloadType,
		SSRC:        w.cfg.SSRC,
		Codec:       w.cfg.Codec,
		StartTime:   w.cfg.StartTime,
	}
	if h.SSRC == 0 {
		h.SSRC = first.Header.SSRC
	}
	if h.PayloadType == 0 {
		h.PayloadType = first.Header.PayloadType
	}
	if h.StartTime.IsZero() {
		h.StartTime = first.Received
	}

	data, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode brtp header: %w", err)
	}
	w.buf.Write(data)
	w.headerDone = true
	return nil
}

// Flush writes buffered records to the output
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.buf.Len() == 0 {
		return nil
	}
	if _, err := w.out.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("flush brtp records: %w", err)
	}
	w.buf.Reset()
	return nil
}

// Close flushes what is left. The output itself is not closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.flushLocked()
}

// Stats returns packet and byte counts
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
