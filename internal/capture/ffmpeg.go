package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/media"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultStartupTimeout = 5 * time.Second
	stderrTail            = 4096
)

// FFmpegConfig describes the local capture devices
type FFmpegConfig struct {
	Binary      string
	VideoDevice string
	AudioDevice string
	VideoInput  string
	AudioInput  string
	// LockDir holds one lock file per device so two recordings never
	// share a device
	LockDir        string
	StartupTimeout time.Duration
	Hotplug        *HotplugMonitor
	Logger         *zap.Logger
}

func (c FFmpegConfig) withDefaults() FFmpegConfig {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.VideoDevice == "" {
		c.VideoDevice = "/dev/video0"
	}
	if c.AudioDevice == "" {
		c.AudioDevice = "default"
	}
	if c.VideoInput == "" {
		c.VideoInput = "v4l2"
	}
	if c.AudioInput == "" {
		c.AudioInput = "alsa"
	}
	if c.LockDir == "" {
		c.LockDir = os.TempDir()
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// FFmpegDevice captures v4l2 video and ALSA audio through an ffmpeg child
// process that writes a streamable container to stdout
type FFmpegDevice struct {
	cfg    FFmpegConfig
	logger *zap.Logger
}

// NewFFmpegDevice creates a capturer. No device is opened until Acquire.
func NewFFmpegDevice(cfg FFmpegConfig) *FFmpegDevice {
	cfg = cfg.withDefaults()
	return &FFmpegDevice{cfg: cfg, logger: cfg.Logger}
}

// BuildArgs returns the ffmpeg arguments for a normalized request
func BuildArgs(cfg FFmpegConfig, req Request, mimeType string) ([]string, error) {
	cfg = cfg.withDefaults()
	c := req.Constraints

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if req.Video {
		args = append(args,
			"-f", cfg.VideoInput,
			"-framerate", strconv.Itoa(c.FrameRate),
			"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
			"-i", cfg.VideoDevice)
	}
	if req.Audio {
		args = append(args,
			"-f", cfg.AudioInput,
			"-sample_rate", strconv.Itoa(c.SampleRate),
			"-i", cfg.AudioDevice)
	}

	lower := strings.ToLower(mimeType)
	switch codec.Container(mimeType) {
	case "mp4":
		if req.Video {
			args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency", "-pix_fmt", "yuv420p")
		}
		if req.Audio {
			args = append(args, "-c:a", "aac", "-ar", strconv.Itoa(c.SampleRate))
		}
		args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof", "-f", "mp4")
	case "webm":
		if req.Video {
			if strings.Contains(lower, "vp8") {
				args = append(args, "-c:v", "libvpx", "-deadline", "realtime", "-b:v", "2M")
			} else {
				args = append(args, "-c:v", "libvpx-vp9", "-deadline", "realtime", "-row-mt", "1", "-b:v", "2M")
			}
		}
		if req.Audio {
			args = append(args, "-c:a", "libopus", "-ar", strconv.Itoa(c.SampleRate))
		}
		args = append(args, "-f", "webm")
	case "ogg":
		if req.Video {
			return nil, &Error{Kind: KindUnsatisfiable, Err: fmt.Errorf("ogg output carries audio only")}
		}
		args = append(args, "-c:a", "libopus", "-ar", strconv.Itoa(c.SampleRate), "-f", "ogg")
	default:
		return nil, &Error{Kind: KindNotSupported, Err: fmt.Errorf("ffmpeg device cannot produce %q", mimeType)}
	}

	if !req.Video {
		args = append(args, "-vn")
	}
	return append(args, "pipe:1"), nil
}

// Acquire opens the devices and starts encoding
func (d *FFmpegDevice) Acquire(ctx context.Context, req Request, mimeType string) (Stream, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	args, err := BuildArgs(d.cfg, req, mimeType)
	if err != nil {
		return nil, err
	}

	binary, err := exec.LookPath(d.cfg.Binary)
	if err != nil {
		return nil, &Error{Kind: KindNotSupported, Err: fmt.Errorf("locate %s: %w", d.cfg.Binary, err)}
	}

	var devices []string
	if req.Video {
		devices = append(devices, d.cfg.VideoDevice)
	}
	if req.Audio {
		devices = append(devices, d.cfg.AudioDevice)
	}
	for _, dev := range devices {
		if err := preflight(dev); err != nil {
			return nil, err
		}
	}

	locks, err := d.lockDevices(devices)
	if err != nil {
		return nil, err
	}

	s, err := d.start(ctx, binary, args, req, mimeType, locks)
	if err != nil {
		unlockAll(locks)
		return nil, err
	}

	if d.cfg.Hotplug != nil {
		for _, dev := range devices {
			if strings.HasPrefix(dev, "/dev/") {
				s.unwatch = append(s.unwatch, d.cfg.Hotplug.Watch(dev, s.deviceRemoved))
			}
		}
	}

	d.logger.Info("Capture started",
		zap.Strings("devices", devices),
		zap.String("mime_type", mimeType),
		zap.Int("pid", s.cmd.Process.Pid))
	return s, nil
}

// preflight checks device nodes are readable. Non-path devices such as
// ALSA names are left to ffmpeg.
func preflight(device string) error {
	if !strings.HasPrefix(device, "/") {
		return nil
	}
	if err := unix.Access(device, unix.R_OK); err != nil {
		return Classify(fmt.Errorf("access %s: %w", device, err))
	}
	return nil
}

func (d *FFmpegDevice) lockDevices(devices []string) ([]*flock.Flock, error) {
	var locks []*flock.Flock
	for _, dev := range devices {
		lock := flock.New(filepath.Join(d.cfg.LockDir, lockName(dev)))
		ok, err := lock.TryLock()
		if err != nil {
			unlockAll(locks)
			return nil, &Error{Kind: KindOther, Err: fmt.Errorf("lock %s: %w", dev, err)}
		}
		if !ok {
			unlockAll(locks)
			return nil, &Error{Kind: KindOther, Err: fmt.Errorf("%s: %w", dev, ErrDeviceBusy)}
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func lockName(device string) string {
	var b strings.Builder
	b.WriteString("recording-")
	for _, r := range strings.TrimPrefix(device, "/") {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString(".lock")
	return b.String()
}

func unlockAll(locks []*flock.Flock) {
	for _, l := range locks {
		_ = l.Unlock()
	}
}

func (d *FFmpegDevice) start(ctx context.Context, binary string, args []string, req Request, mimeType string, locks []*flock.Flock) (*ffmpegStream, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &Error{Kind: KindOther, Err: fmt.Errorf("create pipe: %w", err)}
	}

	stderr := &tailBuffer{limit: stderrTail}
	cmd := exec.Command(binary, args...)
	cmd.Stdout = pw
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	d.logger.Debug("Starting ffmpeg", zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, Classify(fmt.Errorf("start ffmpeg: %w", err))
	}
	pw.Close()

	s := &ffmpegStream{
		cmd:      cmd,
		pr:       pr,
		br:       bufio.NewReaderSize(pr, 64*1024),
		mimeType: mimeType,
		locks:    locks,
		stderr:   stderr,
		exited:   make(chan struct{}),
		logger:   d.logger,
	}
	if req.Video {
		s.tracks = append(s.tracks, &ffmpegTrack{id: uuid.NewString(), kind: media.KindVideo, stream: s})
	}
	if req.Audio {
		s.tracks = append(s.tracks, &ffmpegTrack{id: uuid.NewString(), kind: media.KindAudio, stream: s})
	}

	go func() {
		s.exitErr = cmd.Wait()
		close(s.exited)
	}()

	peeked := make(chan error, 1)
	go func() {
		_, err := s.br.Peek(1)
		peeked <- err
	}()

	timer := time.NewTimer(d.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case err := <-peeked:
		if err == nil {
			return s, nil
		}
		<-s.exited
		s.pr.Close()
		text := stderr.String()
		return nil, &Error{Kind: classifyStderr(text), Err: fmt.Errorf("ffmpeg exited before producing output: %s", lastLine(text))}
	case <-timer.C:
		s.kill()
		return nil, &Error{Kind: KindOther, Err: fmt.Errorf("ffmpeg produced no output within %s", d.cfg.StartupTimeout)}
	case <-ctx.Done():
		s.kill()
		return nil, &Error{Kind: KindOther, Err: ctx.Err()}
	}
}

type ffmpegStream struct {
	cmd      *exec.Cmd
	pr       *os.File
	br       *bufio.Reader
	mimeType string
	tracks   []*ffmpegTrack
	locks    []*flock.Flock
	stderr   *tailBuffer
	logger   *zap.Logger
	unwatch  []func()

	exited  chan struct{}
	exitErr error

	mu       sync.Mutex
	paused   bool
	finished bool
	removed  bool
	stopped  int
	released bool
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	n, err := s.br.Read(p)
	if err != nil {
		s.mu.Lock()
		removed := s.removed
		s.mu.Unlock()
		if removed {
			return n, &Error{Kind: KindDeviceNotFound, Err: ErrDeviceRemoved}
		}
	}
	return n, err
}

func (s *ffmpegStream) MimeType() string {
	return s.mimeType
}

func (s *ffmpegStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *ffmpegStream) signal(sig unix.Signal) error {
	if err := unix.Kill(-s.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s: %w", unix.SignalName(sig), err)
	}
	return nil
}

func (s *ffmpegStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.finished {
		return nil
	}
	if err := s.signal(unix.SIGSTOP); err != nil {
		return err
	}
	s.paused = true
	return nil
}

func (s *ffmpegStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.finished {
		return nil
	}
	if err := s.signal(unix.SIGCONT); err != nil {
		return err
	}
	s.paused = false
	return nil
}

// Finish interrupts ffmpeg so it writes the container trailer and exits
func (s *ffmpegStream) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	s.finished = true
	if s.paused {
		_ = s.signal(unix.SIGCONT)
		s.paused = false
	}
	return s.signal(unix.SIGINT)
}

func (s *ffmpegStream) deviceRemoved(device string) {
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
	s.logger.Warn("Capture device removed", zap.String("device", device))
	s.kill()
}

func (s *ffmpegStream) kill() {
	_ = s.signal(unix.SIGCONT)
	_ = s.signal(unix.SIGKILL)
	<-s.exited
}

func (s *ffmpegStream) trackStopped() {
	s.mu.Lock()
	s.stopped++
	release := s.stopped >= len(s.tracks) && !s.released
	if release {
		s.released = true
	}
	s.mu.Unlock()

	if !release {
		return
	}

	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
		s.logger.Warn("ffmpeg still running after tracks stopped, killing", zap.Int("pid", s.cmd.Process.Pid))
		s.kill()
	}
	for _, fn := range s.unwatch {
		fn()
	}
	unlockAll(s.locks)
	s.pr.Close()

	if s.exitErr != nil {
		s.logger.Debug("ffmpeg exited",
			zap.Error(s.exitErr),
			zap.String("stderr", lastLine(s.stderr.String())))
	}
	s.logger.Info("Capture devices released")
}

type ffmpegTrack struct {
	id     string
	kind   media.Kind
	stream *ffmpegStream
	once   sync.Once
}

func (t *ffmpegTrack) ID() string       { return t.id }
func (t *ffmpegTrack) Kind() media.Kind { return t.kind }

func (t *ffmpegTrack) Stop() {
	t.once.Do(t.stream.trackStopped)
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
