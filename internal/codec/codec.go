package codec

import (
	"strings"

	"github.com/loveretold/recording/internal/media"
	"go.uber.org/zap"
)

// Probe reports whether the runtime can produce the given MIME type
type Probe func(mimeType string) bool

const (
	DefaultVideo = "video/webm"
	DefaultAudio = "audio/webm"

	// BRTPMime is the container written by the RTP capture device
	BRTPMime = "application/x-brtp"
)

// Preference lists, most widely compatible container first.
var (
	videoPreference = []string{
		"video/mp4;codecs=avc1.42E01E,mp4a.40.2",
		"video/mp4;codecs=avc1,opus",
		"video/mp4",
		"video/webm;codecs=vp9,opus",
		"video/webm;codecs=vp8,opus",
		"video/webm",
	}
	audioPreference = []string{
		"audio/mp4;codecs=mp4a.40.2",
		"audio/mp4",
		"audio/webm;codecs=opus",
		"audio/webm",
		"audio/ogg;codecs=opus",
		"audio/ogg",
	}
)

// Preferences returns a copy of the preference list for a media kind
func Preferences(kind media.Kind) []string {
	var list []string
	if kind == media.KindVideo {
		list = videoPreference
	} else {
		list = audioPreference
	}
	return append([]string(nil), list...)
}

// Select returns the first MIME type in the preference list that the probe
// supports. It never fails: when nothing is supported the hard default for the
// kind is returned.
func Select(kind media.Kind, probe Probe, logger *zap.Logger) string {
	if logger == nil {
		logger = zap.NewNop()
	}

	fallback := DefaultAudio
	if kind == media.KindVideo {
		fallback = DefaultVideo
	}

	if probe == nil {
		logger.Debug("No codec probe available, using default",
			zap.String("kind", kind.String()),
			zap.String("mime_type", fallback))
		return fallback
	}

	for _, candidate := range Preferences(kind) {
		if safeProbe(probe, candidate) {
			logger.Debug("Selected codec",
				zap.String("kind", kind.String()),
				zap.String("mime_type", candidate))
			return candidate
		}
	}

	logger.Warn("No preferred codec supported, using default",
		zap.String("kind", kind.String()),
		zap.String("mime_type", fallback))
	return fallback
}

func safeProbe(probe Probe, mimeType string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return probe(mimeType)
}

// BaseType strips MIME parameters, e.g. "video/webm;codecs=vp8" -> "video/webm"
func BaseType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Container returns the container name of a MIME type ("mp4", "webm", "ogg")
func Container(mimeType string) string {
	base := BaseType(mimeType)
	if base == BRTPMime {
		return "brtp"
	}
	_, sub, ok := strings.Cut(base, "/")
	if !ok {
		return ""
	}
	return sub
}

// Extension returns the file extension used for storage paths
func Extension(mimeType string) string {
	switch BaseType(mimeType) {
	case "video/mp4":
		return "mp4"
	case "audio/mp4":
		return "m4a"
	case "video/webm", "audio/webm":
		return "webm"
	case "audio/ogg", "video/ogg":
		return "ogg"
	case BRTPMime:
		return "brtp"
	default:
		return "bin"
	}
}

// TypeForExtension is the inverse of Extension for files on disk. Unknown
// extensions yield "".
func TypeForExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "mp4":
		return "video/mp4"
	case "m4a":
		return "audio/mp4"
	case "webm":
		return DefaultVideo
	case "weba":
		return DefaultAudio
	case "ogg", "opus":
		return "audio/ogg"
	case "brtp":
		return BRTPMime
	default:
		return ""
	}
}

// SetProbe builds a probe from a set of supported containers
func SetProbe(containers ...string) Probe {
	set := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		set[strings.ToLower(c)] = struct{}{}
	}
	return func(mimeType string) bool {
		_, ok := set[Container(mimeType)]
		return ok
	}
}
