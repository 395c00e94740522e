package codec

import (
	"testing"

	"github.com/loveretold/recording/internal/media"
	"github.com/stretchr/testify/assert"
)

func TestSelect_PrefersMP4(t *testing.T) {
	probe := SetProbe("mp4", "webm")

	assert.Equal(t, "video/mp4;codecs=avc1.42E01E,mp4a.40.2", Select(media.KindVideo, probe, nil))
	assert.Equal(t, "audio/mp4;codecs=mp4a.40.2", Select(media.KindAudio, probe, nil))
}

func TestSelect_FallsBackToLegacy(t *testing.T) {
	probe := SetProbe("webm")

	assert.Equal(t, "video/webm;codecs=vp9,opus", Select(media.KindVideo, probe, nil))
	assert.Equal(t, "audio/webm;codecs=opus", Select(media.KindAudio, probe, nil))
}

func TestSelect_OggOnlyAudio(t *testing.T) {
	probe := SetProbe("ogg")

	assert.Equal(t, "audio/ogg;codecs=opus", Select(media.KindAudio, probe, nil))
	assert.Equal(t, DefaultVideo, Select(media.KindVideo, probe, nil))
}

func TestSelect_NeverFails(t *testing.T) {
	tests := []struct {
		name  string
		probe Probe
	}{
		{"nil probe", nil},
		{"nothing supported", func(string) bool { return false }},
		{"panicking probe", func(string) bool { panic("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, DefaultVideo, Select(media.KindVideo, tt.probe, nil))
			assert.Equal(t, DefaultAudio, Select(media.KindAudio, tt.probe, nil))
		})
	}
}

func TestPreferences_ReturnsCopy(t *testing.T) {
	list := Preferences(media.KindVideo)
	list[0] = "mutated"
	assert.NotEqual(t, "mutated", Preferences(media.KindVideo)[0])
}

func TestExtension(t *testing.T) {
	tests := []struct {
		mime string
		ext  string
	}{
		{"video/mp4;codecs=avc1.42E01E,mp4a.40.2", "mp4"},
		{"audio/mp4", "m4a"},
		{"video/webm;codecs=vp8,opus", "webm"},
		{"audio/webm", "webm"},
		{"audio/ogg;codecs=opus", "ogg"},
		{BRTPMime, "brtp"},
		{"application/octet-stream", "bin"},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.ext, Extension(tt.mime))
		})
	}
}

func TestParseMuxers(t *testing.T) {
	out := []byte(`File formats:
 D. = Demuxing supported
 .E = Muxing supported
 --
  E mp4             MP4 (MPEG-4 Part 14)
 D  mov,mp4,m4a     QuickTime / MOV
  E ogg             Ogg
  E webm            WebM
`)
	muxers := ParseMuxers(out)
	assert.Equal(t, []string{"mp4", "ogg", "webm"}, muxers)
}

func TestTypeForExtension(t *testing.T) {
	assert.Equal(t, "audio/mp4", TypeForExtension(".M4A"))
	assert.Equal(t, "video/webm", TypeForExtension("webm"))
	assert.Equal(t, BRTPMime, TypeForExtension(".brtp"))
	assert.Equal(t, "", TypeForExtension(".wav"))

	for _, mime := range []string{"video/mp4", "audio/mp4", "video/webm", "audio/ogg", BRTPMime} {
		assert.Equal(t, BaseType(mime), TypeForExtension(Extension(mime)), mime)
	}
}
