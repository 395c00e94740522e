package capture

import (
	"context"
	"fmt"
	"io"

	"github.com/loveretold/recording/internal/media"
)

// Constraints are the preferred capture parameters. Devices pick the closest
// mode they support within the Min/Max bounds.
type Constraints struct {
	SampleRate int `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	FrameRate  int `yaml:"frame_rate" toml:"frame_rate" json:"frame_rate"`
	Width      int `yaml:"width" toml:"width" json:"width"`
	Height     int `yaml:"height" toml:"height" json:"height"`
	MinWidth   int `yaml:"min_width" toml:"min_width" json:"min_width"`
	MinHeight  int `yaml:"min_height" toml:"min_height" json:"min_height"`
	MaxWidth   int `yaml:"max_width" toml:"max_width" json:"max_width"`
	MaxHeight  int `yaml:"max_height" toml:"max_height" json:"max_height"`
}

// DefaultConstraints returns 48 kHz audio and 30 fps 1280x720 video bounded
// to 640x480..1920x1080
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate: 48000,
		FrameRate:  30,
		Width:      1280,
		Height:     720,
		MinWidth:   640,
		MinHeight:  480,
		MaxWidth:   1920,
		MaxHeight:  1080,
	}
}

// withDefaults fills zero fields from DefaultConstraints
func (c Constraints) withDefaults() Constraints {
	d := DefaultConstraints()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameRate == 0 {
		c.FrameRate = d.FrameRate
	}
	if c.Width == 0 {
		c.Width = d.Width
	}
	if c.Height == 0 {
		c.Height = d.Height
	}
	if c.MinWidth == 0 {
		c.MinWidth = d.MinWidth
	}
	if c.MinHeight == 0 {
		c.MinHeight = d.MinHeight
	}
	if c.MaxWidth == 0 {
		c.MaxWidth = d.MaxWidth
	}
	if c.MaxHeight == 0 {
		c.MaxHeight = d.MaxHeight
	}
	return c
}

// Request selects which tracks to capture
type Request struct {
	Audio       bool
	Video       bool
	Constraints Constraints
}

// RequestFor returns the request a recording of the given kind makes
func RequestFor(kind media.Kind, constraints Constraints) Request {
	return Request{
		Audio:       true,
		Video:       kind == media.KindVideo,
		Constraints: constraints,
	}
}

// Normalize applies defaults and checks the request can be satisfied at all
func (r Request) Normalize() (Request, error) {
	if !r.Audio && !r.Video {
		return r, &Error{Kind: KindUnsatisfiable, Err: fmt.Errorf("request asks for neither audio nor video")}
	}
	r.Constraints = r.Constraints.withDefaults()
	c := r.Constraints
	if c.SampleRate < 0 || c.FrameRate < 0 {
		return r, &Error{Kind: KindUnsatisfiable, Err: fmt.Errorf("negative rate in constraints")}
	}
	if r.Video {
		if c.MinWidth > c.MaxWidth || c.MinHeight > c.MaxHeight {
			return r, &Error{Kind: KindUnsatisfiable, Err: fmt.Errorf("minimum resolution %dx%d above maximum %dx%d",
				c.MinWidth, c.MinHeight, c.MaxWidth, c.MaxHeight)}
		}
		r.Constraints.Width = clamp(c.Width, c.MinWidth, c.MaxWidth)
		r.Constraints.Height = clamp(c.Height, c.MinHeight, c.MaxHeight)
	}
	return r, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Capturer opens capture devices. Nothing touches a device before Acquire.
type Capturer interface {
	Acquire(ctx context.Context, req Request, mimeType string) (Stream, error)
}

// Stream is a live encoded media stream. Read returns io.EOF after Finish
// once the encoder has flushed.
type Stream interface {
	io.Reader
	// MimeType is the type of the bytes actually produced, which may
	// differ from the requested one
	MimeType() string
	Tracks() []Track
	Pause() error
	Resume() error
	// Finish asks the source to flush and end the stream
	Finish() error
}

// Track is one live capture track. Stopping the last track of a stream
// releases its devices.
type Track interface {
	ID() string
	Kind() media.Kind
	Stop()
}

// StopAll stops every track of a stream
func StopAll(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
