package collector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loveretold/recording/internal/media"
	"go.uber.org/zap"
)

// Gap is a suspicious timestamp distance between two consecutive chunks
type Gap struct {
	After    int           `json:"after"`
	Before   int           `json:"before"`
	Duration time.Duration `json:"duration"`
}

// Report is the result of comparing held chunks with the recorder's list
type Report struct {
	Expected   int   `json:"expected"`
	Held       int   `json:"held"`
	Missing    []int `json:"missing,omitempty"`
	Duplicates []int `json:"duplicates,omitempty"`
	Gaps       []Gap `json:"gaps,omitempty"`
}

// Valid reports whether nothing is missing or duplicated. Gaps are a
// diagnostic only.
func (r Report) Valid() bool {
	return len(r.Missing) == 0 && len(r.Duplicates) == 0
}

func (r Report) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("held %d of %d", r.Held, r.Expected))
	if len(r.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %v", r.Missing))
	}
	if len(r.Duplicates) > 0 {
		parts = append(parts, fmt.Sprintf("duplicates %v", r.Duplicates))
	}
	for _, g := range r.Gaps {
		parts = append(parts, fmt.Sprintf("gap %s between %d and %d", g.Duration, g.After, g.Before))
	}
	return strings.Join(parts, ", ")
}

// Validate compares the held collection with the chunk list reported by the
// recorder. An empty reported list validates the held set on its own: every
// index from 0 to the highest held index is expected. Duplicates cover both
// the reported list and chunks Add rejected.
func (c *Collector) Validate(reported []media.ChunkInfo) Report {
	c.mu.RLock()
	sorted := c.sortedLocked()
	threshold := c.opts.GapThreshold
	duplicates := make(map[int]struct{}, len(c.rejected))
	for idx := range c.rejected {
		duplicates[idx] = struct{}{}
	}
	c.mu.RUnlock()

	report := Report{Held: len(sorted)}

	expected := make(map[int]struct{})
	seen := make(map[int]int)
	for _, info := range reported {
		seen[info.Index]++
		expected[info.Index] = struct{}{}
	}
	for idx, n := range seen {
		if n > 1 {
			duplicates[idx] = struct{}{}
		}
	}
	for idx := range duplicates {
		report.Duplicates = append(report.Duplicates, idx)
	}

	if len(reported) == 0 && len(sorted) > 0 {
		for i := 0; i <= sorted[len(sorted)-1].Index; i++ {
			expected[i] = struct{}{}
		}
	}
	report.Expected = len(expected)

	held := make(map[int]struct{}, len(sorted))
	for _, chunk := range sorted {
		held[chunk.Index] = struct{}{}
	}
	for idx := range expected {
		if _, ok := held[idx]; !ok {
			report.Missing = append(report.Missing, idx)
		}
	}
	sort.Ints(report.Missing)
	sort.Ints(report.Duplicates)

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Timestamp.IsZero() || cur.Timestamp.IsZero() {
			continue
		}
		if d := cur.Timestamp.Sub(prev.Timestamp); d > threshold {
			report.Gaps = append(report.Gaps, Gap{After: prev.Index, Before: cur.Index, Duration: d})
		}
	}

	if !report.Valid() || len(report.Gaps) > 0 {
		c.logger.Warn("Chunk validation found problems", zap.String("report", report.String()))
	} else {
		c.logger.Debug("Chunk validation passed", zap.Int("chunks", report.Held))
	}
	return report
}
