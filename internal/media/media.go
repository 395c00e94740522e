package media

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the media kind a recording captures
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseKind converts "audio" or "video" into a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	default:
		return KindAudio, fmt.Errorf("unknown media kind %q", s)
	}
}

// Chunk is one time-bounded slice of a recording
type Chunk struct {
	Index     int
	Data      []byte
	Timestamp time.Time
	MimeType  string
}

// Size returns the payload size in bytes
func (c Chunk) Size() int {
	return len(c.Data)
}

// Info returns the chunk metadata without the payload
func (c Chunk) Info() ChunkInfo {
	return ChunkInfo{
		Index:     c.Index,
		Size:      len(c.Data),
		Timestamp: c.Timestamp,
	}
}

// ChunkInfo describes a chunk without holding its payload
type ChunkInfo struct {
	Index     int       `json:"index"`
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Blob is an assembled recording artifact
type Blob struct {
	Data     []byte
	MimeType string
	Chunks   int
}

// Size returns the blob size in bytes
func (b Blob) Size() int64 {
	return int64(len(b.Data))
}
