package recorder

import (
	"time"

	"github.com/loveretold/recording/internal/media"
)

// Event is anything published on the recorder's events channel
type Event interface {
	eventName() string
}

// ChunkReady carries one freshly sliced chunk
type ChunkReady struct {
	Chunk media.Chunk
}

// Progress is published once per second while recording
type Progress struct {
	Elapsed   time.Duration
	Remaining time.Duration
}

// Warning is published once when the recording nears its maximum duration
type Warning struct {
	Remaining time.Duration
}

// PauseStateChanged reports a pause or resume. Auto is set when the pause
// came from the application being backgrounded.
type PauseStateChanged struct {
	Paused bool
	Auto   bool
}

// ErrorEvent is the last event of a failed recording
type ErrorEvent struct {
	Err error
}

// Complete is the last event of a finished recording. Chunks holds only the
// recorder's retained window; Reported lists every chunk it emitted.
type Complete struct {
	Chunks      []media.Chunk
	Reported    []media.ChunkInfo
	TotalChunks int
	Duration    time.Duration
	AutoStopped bool
	MimeType    string
}

func (ChunkReady) eventName() string        { return "chunk_ready" }
func (Progress) eventName() string          { return "progress" }
func (Warning) eventName() string           { return "warning" }
func (PauseStateChanged) eventName() string { return "pause_state_changed" }
func (ErrorEvent) eventName() string        { return "error" }
func (Complete) eventName() string          { return "complete" }

// Name returns the wire name of an event
func Name(e Event) string {
	return e.eventName()
}
