package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/rtp"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxDatagram = 1500

// RTPConfig configures an RTPDevice
type RTPConfig struct {
	// ListenAddr is the UDP address packets arrive on, e.g. ":5004"
	ListenAddr string
	// Codec names the payload codec written into the container header
	Codec  string
	Logger *zap.Logger
	Clock  func() time.Time
}

// RTPDevice records an RTP stream forwarded by a media server. The output is
// a BRTP container regardless of the requested MIME type.
type RTPDevice struct {
	cfg    RTPConfig
	logger *zap.Logger
}

// NewRTPDevice creates a capturer. The port is bound on Acquire.
func NewRTPDevice(cfg RTPConfig) *RTPDevice {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":5004"
	}
	if cfg.Codec == "" {
		cfg.Codec = "opus"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &RTPDevice{cfg: cfg, logger: cfg.Logger}
}

// Acquire binds the UDP port and starts writing received packets
func (d *RTPDevice) Acquire(ctx context.Context, req Request, mimeType string) (Stream, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", d.cfg.ListenAddr)
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, &Error{Kind: KindOther, Err: fmt.Errorf("%s: %w", d.cfg.ListenAddr, ErrDeviceBusy)}
		}
		return nil, Classify(fmt.Errorf("listen %s: %w", d.cfg.ListenAddr, err))
	}

	pr, pw := io.Pipe()
	writer, err := rtp.NewWriter(pw, rtp.WriterConfig{Codec: d.cfg.Codec, FlushSize: 1})
	if err != nil {
		conn.Close()
		return nil, &Error{Kind: KindOther, Err: err}
	}

	kind := media.KindAudio
	if req.Video {
		kind = media.KindVideo
	}

	s := &rtpStream{
		conn:   conn,
		pr:     pr,
		pw:     pw,
		writer: writer,
		clock:  d.cfg.Clock,
		logger: d.logger.With(zap.String("listen", conn.LocalAddr().String())),
		done:   make(chan struct{}),
	}
	s.track = &rtpTrack{id: uuid.NewString(), kind: kind, stream: s}

	go s.receive()

	if mimeType != codec.BRTPMime {
		s.logger.Debug("RTP device writes BRTP regardless of requested type", zap.String("requested", mimeType))
	}
	s.logger.Info("RTP capture listening")
	return s, nil
}

type rtpStream struct {
	conn   net.PacketConn
	pr     *io.PipeReader
	pw     *io.PipeWriter
	writer *rtp.Writer
	track  *rtpTrack
	clock  func() time.Time
	logger *zap.Logger
	done   chan struct{}

	paused   atomic.Bool
	dropped  atomic.Int64
	invalid  atomic.Int64
	finished sync.Once
}

// LocalAddr returns the bound UDP address
func (s *rtpStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *rtpStream) receive() {
	defer close(s.done)
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("RTP receive failed", zap.Error(err))
			}
			break
		}
		if s.paused.Load() {
			s.dropped.Add(1)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		packet, err := rtp.Parse(data, s.clock())
		if err != nil {
			s.invalid.Add(1)
			s.logger.Debug("Dropping invalid RTP packet", zap.Error(err))
			continue
		}
		if err := s.writer.WritePacket(packet); err != nil {
			s.logger.Warn("RTP write failed", zap.Error(err))
			break
		}
	}

	err := s.writer.Close()
	stats := s.writer.Stats()
	s.logger.Info("RTP capture ended",
		zap.Int64("packets", stats.Packets),
		zap.Int64("dropped_paused", s.dropped.Load()),
		zap.Int64("invalid", s.invalid.Load()))
	s.pw.CloseWithError(err)
}

func (s *rtpStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *rtpStream) MimeType() string {
	return codec.BRTPMime
}

func (s *rtpStream) Tracks() []Track {
	return []Track{s.track}
}

func (s *rtpStream) Pause() error {
	s.paused.Store(true)
	return nil
}

func (s *rtpStream) Resume() error {
	s.paused.Store(false)
	return nil
}

// Finish closes the socket; buffered packets are flushed before EOF
func (s *rtpStream) Finish() error {
	var err error
	s.finished.Do(func() {
		err = s.conn.Close()
	})
	return err
}

type rtpTrack struct {
	id     string
	kind   media.Kind
	stream *rtpStream
	once   sync.Once
}

func (t *rtpTrack) ID() string       { return t.id }
func (t *rtpTrack) Kind() media.Kind { return t.kind }

func (t *rtpTrack) Stop() {
	t.once.Do(func() {
		// unblock the receiver if nobody drains the pipe anymore
		t.stream.pr.Close()
		_ = t.stream.Finish()
		<-t.stream.done
	})
}
