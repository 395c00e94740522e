package collector

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/loveretold/recording/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func chunk(index int, data string, offset time.Duration) media.Chunk {
	return media.Chunk{Index: index, Data: []byte(data), Timestamp: base.Add(offset), MimeType: "video/webm"}
}

func TestAssemble_OrdersByIndex(t *testing.T) {
	c := New(Options{})
	require.True(t, c.Add(chunk(2, "cc", 90*time.Second)))
	require.True(t, c.Add(chunk(0, "aa", 0)))
	require.True(t, c.Add(chunk(1, "bb", 45*time.Second)))

	blob := c.Assemble()
	assert.Equal(t, "aabbcc", string(blob.Data))
	assert.Equal(t, "video/webm", blob.MimeType)
	assert.Equal(t, 3, blob.Chunks)
	assert.Equal(t, int64(6), blob.Size())
}

func TestAssemble_Idempotent(t *testing.T) {
	c := New(Options{})
	c.Add(chunk(0, "hello ", 0))
	c.Add(chunk(1, "world", time.Second))

	first := c.Assemble()
	second := c.Assemble()
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 2, c.Len())

	// partial preview then more chunks
	c.Add(chunk(2, "!", 2*time.Second))
	assert.Equal(t, "hello world!", string(c.Assemble().Data))
}

func TestAssemble_Empty(t *testing.T) {
	c := New(Options{MimeType: "audio/webm"})
	blob := c.Assemble()
	assert.Empty(t, blob.Data)
	assert.Equal(t, "audio/webm", blob.MimeType)
	assert.Equal(t, 0, blob.Chunks)
}

func TestAdd_Rejects(t *testing.T) {
	c := New(Options{})
	assert.False(t, c.Add(media.Chunk{Index: 0}))
	assert.False(t, c.Add(media.Chunk{Index: 0, Data: []byte{}}))
	assert.False(t, c.Add(media.Chunk{Index: -1, Data: []byte("x")}))

	assert.True(t, c.Add(chunk(0, "first", 0)))
	assert.False(t, c.Add(chunk(0, "second", 0)))
	assert.Equal(t, "first", string(c.Assemble().Data))
	assert.Equal(t, 1, c.Len())
}

func TestWriteTo(t *testing.T) {
	c := New(Options{})
	c.Add(chunk(1, "b", time.Second))
	c.Add(chunk(0, "a", 0))

	var buf bytes.Buffer
	n, err := c.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "ab", buf.String())
}

func TestStats_Levels(t *testing.T) {
	c := New(Options{WarnBytes: 1000, CriticalBytes: 2000})

	c.Add(media.Chunk{Index: 0, Data: make([]byte, 100)})
	stats := c.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, int64(100), stats.TotalBytes)
	assert.Equal(t, int64(100+chunkOverhead), stats.EstimatedMemory)
	assert.Equal(t, LevelOK, stats.Level)
	assert.NoError(t, stats.Err())

	c.Add(media.Chunk{Index: 1, Data: make([]byte, 900)})
	stats = c.Stats()
	assert.Equal(t, LevelWarning, stats.Level)
	assert.True(t, errors.Is(stats.Err(), ErrMemoryWarning))

	c.Add(media.Chunk{Index: 2, Data: make([]byte, 1000)})
	stats = c.Stats()
	assert.Equal(t, LevelCritical, stats.Level)
	assert.True(t, errors.Is(stats.Err(), ErrMemoryCritical))
	assert.Contains(t, stats.Summary(), "3 chunks")
}

func TestReset(t *testing.T) {
	c := New(Options{})
	c.Add(chunk(0, "a", 0))
	c.Add(chunk(1, "b", time.Second))

	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Stats{}, c.Stats())
	assert.Empty(t, c.Assemble().Data)

	// indices are reusable after reset
	assert.True(t, c.Add(chunk(0, "c", 0)))
}

func TestValidate(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		c := New(Options{})
		var reported []media.ChunkInfo
		for i := 0; i < 3; i++ {
			ch := chunk(i, "x", time.Duration(i)*45*time.Second)
			c.Add(ch)
			reported = append(reported, ch.Info())
		}
		report := c.Validate(reported)
		assert.True(t, report.Valid())
		assert.Empty(t, report.Gaps)
		assert.Equal(t, 3, report.Expected)
		assert.Equal(t, 3, report.Held)
	})

	t.Run("missing and duplicates", func(t *testing.T) {
		c := New(Options{})
		c.Add(chunk(0, "x", 0))
		c.Add(chunk(2, "x", 90*time.Second))
		reported := []media.ChunkInfo{
			{Index: 0}, {Index: 1}, {Index: 2}, {Index: 2}, {Index: 3},
		}
		report := c.Validate(reported)
		assert.False(t, report.Valid())
		assert.Equal(t, []int{1, 3}, report.Missing)
		assert.Equal(t, []int{2}, report.Duplicates)
		assert.Contains(t, report.String(), "missing [1 3]")
	})

	t.Run("rejected duplicate arrivals", func(t *testing.T) {
		c := New(Options{})
		var reported []media.ChunkInfo
		for i := 0; i < 3; i++ {
			ch := chunk(i, "x", time.Duration(i)*45*time.Second)
			require.True(t, c.Add(ch))
			reported = append(reported, ch.Info())
		}
		require.False(t, c.Add(chunk(1, "again", 45*time.Second)))
		require.False(t, c.Add(chunk(1, "again", 45*time.Second)))

		report := c.Validate(reported)
		assert.False(t, report.Valid())
		assert.Empty(t, report.Missing)
		assert.Equal(t, []int{1}, report.Duplicates)
		assert.Contains(t, report.String(), "duplicates [1]")

		c.Reset()
		assert.Empty(t, c.Validate(nil).Duplicates)
	})

	t.Run("gap is a diagnostic", func(t *testing.T) {
		c := New(Options{GapThreshold: time.Minute})
		c.Add(chunk(0, "x", 0))
		c.Add(chunk(1, "x", 45*time.Second))
		c.Add(chunk(2, "x", 5*time.Minute))
		report := c.Validate(nil)
		assert.True(t, report.Valid())
		require.Len(t, report.Gaps, 1)
		assert.Equal(t, Gap{After: 1, Before: 2, Duration: 4*time.Minute + 15*time.Second}, report.Gaps[0])
	})

	t.Run("no reported list checks held range", func(t *testing.T) {
		c := New(Options{})
		c.Add(chunk(0, "x", 0))
		c.Add(chunk(3, "x", time.Second))
		report := c.Validate(nil)
		assert.Equal(t, []int{1, 2}, report.Missing)
		assert.Equal(t, 4, report.Expected)
	})
}
