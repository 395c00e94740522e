package codec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// FFmpegProbe lists the muxers of the given ffmpeg binary and returns a probe
// that reports support for containers ffmpeg can write.
func FFmpegProbe(ctx context.Context, binary string) (Probe, error) {
	if binary == "" {
		binary = "ffmpeg"
	}

	out, err := exec.CommandContext(ctx, binary, "-hide_banner", "-muxers").Output()
	if err != nil {
		return nil, fmt.Errorf("list ffmpeg muxers: %w", err)
	}

	return SetProbe(ParseMuxers(out)...), nil
}

// ParseMuxers extracts muxer names from `ffmpeg -muxers` output.
func ParseMuxers(out []byte) []string {
	var muxers []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	listing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			listing = true
			continue
		}
		if !listing {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "E") {
			continue
		}
		// Some entries list aliases, e.g. "matroska,webm".
		for _, name := range strings.Split(fields[1], ",") {
			muxers = append(muxers, name)
		}
	}
	return muxers
}
