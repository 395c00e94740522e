package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/rtp"
	"github.com/pilebones/go-udev/netlink"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRequest_Normalize(t *testing.T) {
	_, err := Request{}.Normalize()
	require.Error(t, err)
	assert.Equal(t, KindUnsatisfiable, KindOf(err))

	req, err := RequestFor(media.KindVideo, Constraints{Width: 4000, Height: 100}).Normalize()
	require.NoError(t, err)
	assert.True(t, req.Audio)
	assert.True(t, req.Video)
	assert.Equal(t, 1920, req.Constraints.Width)
	assert.Equal(t, 480, req.Constraints.Height)
	assert.Equal(t, 48000, req.Constraints.SampleRate)
	assert.Equal(t, 30, req.Constraints.FrameRate)

	_, err = Request{Video: true, Constraints: Constraints{MinWidth: 2000, MaxWidth: 1000}}.Normalize()
	assert.Equal(t, KindUnsatisfiable, KindOf(err))

	audio := RequestFor(media.KindAudio, Constraints{})
	assert.False(t, audio.Video)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), KindPermissionDenied},
		{"eacces", &os.PathError{Op: "open", Path: "/dev/video0", Err: unix.EACCES}, KindPermissionDenied},
		{"missing node", &os.PathError{Op: "open", Path: "/dev/video9", Err: unix.ENOENT}, KindDeviceNotFound},
		{"no device", unix.ENODEV, KindDeviceNotFound},
		{"removed", ErrDeviceRemoved, KindDeviceNotFound},
		{"no binary", &exec.Error{Name: "ffmpeg", Err: exec.ErrNotFound}, KindNotSupported},
		{"other", errors.New("boom"), KindOther},
		{"already classified", &Error{Kind: KindUnsatisfiable}, KindUnsatisfiable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(tt.err)
			require.NotNil(t, ce)
			assert.Equal(t, tt.want, ce.Kind)
			assert.NotEmpty(t, ce.Message())
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestError_BusyMessage(t *testing.T) {
	e := &Error{Kind: KindOther, Err: fmt.Errorf("/dev/video0: %w", ErrDeviceBusy)}
	assert.Contains(t, e.Message(), "another application")
	assert.True(t, errors.Is(e, ErrDeviceBusy))
}

func TestClassifyStderr(t *testing.T) {
	tests := map[string]ErrorKind{
		"[video4linux2,v4l2 @ 0x1] Cannot open video device /dev/video0: Permission denied": KindPermissionDenied,
		"/dev/video3: No such file or directory":                                          KindDeviceNotFound,
		"Unknown input format: 'v4l2'":                                                    KindNotSupported,
		"[video4linux2,v4l2 @ 0x1] ioctl(VIDIOC_S_FMT): Invalid argument":                 KindUnsatisfiable,
		"something odd happened":                                                          KindOther,
	}
	for stderr, want := range tests {
		assert.Equal(t, want, classifyStderr(stderr), stderr)
	}
}

func TestBuildArgs(t *testing.T) {
	cfg := FFmpegConfig{VideoDevice: "/dev/video2", AudioDevice: "hw:1"}

	req, err := RequestFor(media.KindVideo, Constraints{}).Normalize()
	require.NoError(t, err)

	args, err := BuildArgs(cfg, req, "video/mp4;codecs=avc1.42E01E,mp4a.40.2")
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-f v4l2 -framerate 30 -video_size 1280x720 -i /dev/video2")
	assert.Contains(t, joined, "-f alsa -sample_rate 48000 -i hw:1")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "frag_keyframe+empty_moov")
	assert.Equal(t, "pipe:1", args[len(args)-1])

	args, err = BuildArgs(cfg, req, "video/webm;codecs=vp8,opus")
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "-c:v libvpx ")

	audio, err := RequestFor(media.KindAudio, Constraints{}).Normalize()
	require.NoError(t, err)
	args, err = BuildArgs(cfg, audio, "audio/ogg;codecs=opus")
	require.NoError(t, err)
	joined = strings.Join(args, " ")
	assert.NotContains(t, joined, "v4l2")
	assert.Contains(t, joined, "-f ogg -vn pipe:1")

	_, err = BuildArgs(cfg, req, "audio/ogg")
	assert.Equal(t, KindUnsatisfiable, KindOf(err))

	_, err = BuildArgs(cfg, req, codec.BRTPMime)
	assert.Equal(t, KindNotSupported, KindOf(err))
}

func TestLockDevices_Busy(t *testing.T) {
	dir := t.TempDir()
	d := NewFFmpegDevice(FFmpegConfig{LockDir: dir})

	held := flock.New(dir + "/" + lockName("/dev/video0"))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	_, err = d.lockDevices([]string{"/dev/video0"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceBusy))

	locks, err := d.lockDevices([]string{"hw:0"})
	require.NoError(t, err)
	unlockAll(locks)
}

func TestLockName(t *testing.T) {
	assert.Equal(t, "recording-dev_video0.lock", lockName("/dev/video0"))
	assert.Equal(t, "recording-hw_1_0.lock", lockName("hw:1,0"))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	fmt.Fprint(b, "0123456789")
	fmt.Fprint(b, "ab")
	assert.Equal(t, "456789ab", b.String())
	assert.Equal(t, "last", lastLine("first\nlast\n"))
}

func sendRTP(t *testing.T, conn net.Conn, seq uint16) {
	t.Helper()
	p := pionrtp.Packet{
		Header:  pionrtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: 77},
		Payload: []byte("opus-frame"),
	}
	data, err := p.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestRTPDevice_RecordsPackets(t *testing.T) {
	d := NewRTPDevice(RTPConfig{ListenAddr: "127.0.0.1:0"})
	stream, err := d.Acquire(context.Background(), RequestFor(media.KindAudio, Constraints{}), "audio/webm")
	require.NoError(t, err)
	assert.Equal(t, codec.BRTPMime, stream.MimeType())
	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, media.KindAudio, stream.Tracks()[0].Kind())

	addr := stream.(*rtpStream).LocalAddr().String()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// drain concurrently, the pipe blocks the receiver otherwise
	read := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(stream)
		read <- data
	}()

	for i := 0; i < 3; i++ {
		sendRTP(t, conn, uint16(i))
	}
	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)

	// loopback delivery is asynchronous
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, stream.Finish())

	var data []byte
	select {
	case data = <-read:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after Finish")
	}
	stream.Tracks()[0].Stop()

	summary, err := rtp.Summarize(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Packets)
	assert.Equal(t, []uint32{77}, summary.SSRCs)
	assert.Equal(t, "opus", summary.Header.Codec)
}

func TestRTPDevice_DropsWhilePaused(t *testing.T) {
	d := NewRTPDevice(RTPConfig{ListenAddr: "127.0.0.1:0"})
	stream, err := d.Acquire(context.Background(), Request{Audio: true}, codec.BRTPMime)
	require.NoError(t, err)

	conn, err := net.Dial("udp", stream.(*rtpStream).LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	read := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(stream)
		read <- data
	}()

	require.NoError(t, stream.Pause())
	sendRTP(t, conn, 1)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, stream.Resume())
	sendRTP(t, conn, 2)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, stream.Finish())

	data := <-read
	stream.Tracks()[0].Stop()

	summary, err := rtp.Summarize(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Packets)
	assert.Equal(t, int64(1), stream.(*rtpStream).dropped.Load())
}

func TestHotplug_WatchAndHandle(t *testing.T) {
	m := NewHotplugMonitor(nil)
	fired := make(chan string, 2)
	cancel := m.Watch("/dev/video0", func(dev string) { fired <- dev })

	m.handle("/dev/video1")
	m.handle(deviceName(netlink.UEvent{Env: map[string]string{"DEVNAME": "video0"}}))

	select {
	case dev := <-fired:
		assert.Equal(t, "/dev/video0", dev)
	case <-time.After(time.Second):
		t.Fatal("watcher not called")
	}

	cancel()
	m.handle("/dev/video0")
	select {
	case <-fired:
		t.Fatal("cancelled watcher called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeviceName(t *testing.T) {
	assert.Equal(t, "/dev/snd/pcmC0D0c", deviceName(netlink.UEvent{Env: map[string]string{"DEVNAME": "snd/pcmC0D0c"}}))
	assert.Equal(t, "/dev/video3", deviceName(netlink.UEvent{Env: map[string]string{"DEVPATH": "/devices/pci0000:00/video4linux/video3"}}))
	assert.Equal(t, "", deviceName(netlink.UEvent{Env: map[string]string{}}))
}
