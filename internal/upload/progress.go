package upload

import (
	"io"
	"sync"
)

// countingReader reports the bytes read so far to fn after every read. Each
// attempt gets a fresh reader, so the offset restarts at zero.
type countingReader struct {
	r    io.Reader
	fn   func(offset int64)
	read int64
}

func newCountingReader(r io.Reader, fn func(offset int64)) io.Reader {
	if fn == nil {
		return r
	}
	return &countingReader{r: r, fn: fn}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		c.fn(c.read)
	}
	return n, err
}

// progressTracker turns raw fractions into a non-decreasing percentage and
// decides which values are worth persisting
type progressTracker struct {
	mu        sync.Mutex
	current   int
	persisted int
	step      int
	fn        ProgressFunc
}

func newProgressTracker(step int, fn ProgressFunc) *progressTracker {
	return &progressTracker{step: step, persisted: -1, fn: fn}
}

// update raises progress to pct. It reports the new value and whether it
// crossed a persistence step.
func (t *progressTracker) update(pct int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pct = min(max(pct, 0), 100)
	if pct <= t.current {
		return t.current, false
	}
	t.current = pct
	if t.fn != nil {
		t.fn(pct)
	}

	persist := pct == 100 || t.persisted < 0 || pct/t.step > t.persisted/t.step
	if persist {
		t.persisted = pct
	}
	return pct, persist
}

func (t *progressTracker) value() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// percent computes done/total as 0-100, never reporting 100 before done
// reaches total
func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return min(int(done*100/total), 99)
}
