package collector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loveretold/recording/internal/media"
	"go.uber.org/zap"
)

const (
	DefaultWarnBytes     = 200 * 1024 * 1024
	DefaultCriticalBytes = 400 * 1024 * 1024
	DefaultGapThreshold  = 90 * time.Second

	// per-chunk bookkeeping overhead used by the memory estimate
	chunkOverhead = 128
)

var (
	// ErrMemoryWarning means held chunks crossed the soft threshold
	ErrMemoryWarning = errors.New("recording memory usage is high")
	// ErrMemoryCritical means held chunks crossed the hard threshold
	ErrMemoryCritical = errors.New("recording memory usage is critical, recording may become unstable")
)

// Level is the memory pressure level of a collection
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Options configures a Collector
type Options struct {
	MimeType      string
	WarnBytes     int64
	CriticalBytes int64
	// GapThreshold is the largest timestamp distance between consecutive
	// chunks that Validate accepts
	GapThreshold time.Duration
	Logger       *zap.Logger
}

// Collector accumulates every chunk of one recording independently of the
// recorder's own trimmed buffer. It must not be shared across recordings.
type Collector struct {
	mu       sync.RWMutex
	chunks   map[int]media.Chunk
	rejected map[int]int // duplicate arrivals per index
	bytes    int64
	mimeType string
	opts     Options
	level    Level
	logger   *zap.Logger
}

// New creates an empty collector
func New(opts Options) *Collector {
	if opts.WarnBytes <= 0 {
		opts.WarnBytes = DefaultWarnBytes
	}
	if opts.CriticalBytes <= 0 {
		opts.CriticalBytes = DefaultCriticalBytes
	}
	if opts.GapThreshold <= 0 {
		opts.GapThreshold = DefaultGapThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		chunks:   make(map[int]media.Chunk),
		rejected: make(map[int]int),
		mimeType: opts.MimeType,
		opts:     opts,
		logger:   logger,
	}
}

// Add stores a chunk. Empty chunks and duplicate indices are logged and
// dropped; duplicates are also remembered for Validate. Add reports whether
// the chunk was kept.
func (c *Collector) Add(chunk media.Chunk) bool {
	if chunk.Data == nil || len(chunk.Data) == 0 {
		c.logger.Warn("Dropping empty chunk", zap.Int("index", chunk.Index))
		return false
	}
	if chunk.Index < 0 {
		c.logger.Warn("Dropping chunk with negative index", zap.Int("index", chunk.Index))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.chunks[chunk.Index]; exists {
		c.rejected[chunk.Index]++
		c.logger.Warn("Dropping duplicate chunk", zap.Int("index", chunk.Index))
		return false
	}

	if c.mimeType == "" {
		c.mimeType = chunk.MimeType
	}
	c.chunks[chunk.Index] = chunk
	c.bytes += int64(len(chunk.Data))

	c.logger.Debug("Chunk collected",
		zap.Int("index", chunk.Index),
		zap.Int("size", len(chunk.Data)),
		zap.Int("count", len(c.chunks)))

	c.checkPressureLocked()
	return true
}

func (c *Collector) checkPressureLocked() {
	level := c.levelLocked()
	if level <= c.level {
		return
	}
	c.level = level
	switch level {
	case LevelWarning:
		c.logger.Warn("Recording memory usage high",
			zap.String("held", humanize.IBytes(uint64(c.estimateLocked()))))
	case LevelCritical:
		c.logger.Error("Recording memory usage critical",
			zap.String("held", humanize.IBytes(uint64(c.estimateLocked()))))
	}
}

func (c *Collector) estimateLocked() int64 {
	return c.bytes + int64(len(c.chunks))*chunkOverhead
}

func (c *Collector) levelLocked() Level {
	estimate := c.estimateLocked()
	switch {
	case estimate >= c.opts.CriticalBytes:
		return LevelCritical
	case estimate >= c.opts.WarnBytes:
		return LevelWarning
	default:
		return LevelOK
	}
}

// sortedLocked returns the held chunks ordered by index
func (c *Collector) sortedLocked() []media.Chunk {
	out := make([]media.Chunk, 0, len(c.chunks))
	for _, chunk := range c.chunks {
		out = append(out, chunk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Chunks returns the held chunks ordered by index
func (c *Collector) Chunks() []media.Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

// Assemble concatenates every held chunk in index order. It does not modify
// the collection and may be called any number of times.
func (c *Collector) Assemble() media.Blob {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var buf bytes.Buffer
	buf.Grow(int(c.bytes))
	sorted := c.sortedLocked()
	for _, chunk := range sorted {
		buf.Write(chunk.Data)
	}
	return media.Blob{
		Data:     buf.Bytes(),
		MimeType: c.mimeType,
		Chunks:   len(sorted),
	}
}

// WriteTo streams the assembled artifact to w without building it in memory
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	c.mu.RLock()
	sorted := c.sortedLocked()
	c.mu.RUnlock()

	var total int64
	for _, chunk := range sorted {
		n, err := w.Write(chunk.Data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write chunk %d: %w", chunk.Index, err)
		}
	}
	return total, nil
}

// MimeType returns the type assembled blobs are tagged with
func (c *Collector) MimeType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mimeType
}

// Len returns the number of held chunks
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks)
}

// Reset releases every held chunk
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.chunks)
	c.chunks = make(map[int]media.Chunk)
	c.rejected = make(map[int]int)
	c.bytes = 0
	c.level = LevelOK
	c.logger.Debug("Collector reset", zap.Int("released_chunks", count))
}

// Stats describes the collection footprint
type Stats struct {
	Count           int   `json:"count"`
	TotalBytes      int64 `json:"total_bytes"`
	EstimatedMemory int64 `json:"estimated_memory"`
	Level           Level `json:"level"`
}

// Stats returns the current footprint
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Count:           len(c.chunks),
		TotalBytes:      c.bytes,
		EstimatedMemory: c.estimateLocked(),
		Level:           c.levelLocked(),
	}
}

// Err returns ErrMemoryWarning or ErrMemoryCritical when the thresholds are
// crossed, or nil. The collector never stops a recording on its own.
func (s Stats) Err() error {
	switch s.Level {
	case LevelWarning:
		return fmt.Errorf("%w (%s held)", ErrMemoryWarning, humanize.IBytes(uint64(s.EstimatedMemory)))
	case LevelCritical:
		return fmt.Errorf("%w (%s held)", ErrMemoryCritical, humanize.IBytes(uint64(s.EstimatedMemory)))
	default:
		return nil
	}
}

// Summary renders the stats for logs and CLI output
func (s Stats) Summary() string {
	return fmt.Sprintf("%d chunks, %s (~%s in memory)",
		s.Count, humanize.IBytes(uint64(s.TotalBytes)), humanize.IBytes(uint64(s.EstimatedMemory)))
}
