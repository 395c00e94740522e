package recorder

import "sync"

// BackgroundSource reports when the host application is backgrounded
type BackgroundSource interface {
	OnBackgroundedChanged(fn func(backgrounded bool)) (unsubscribe func())
}

// Visibility is a BackgroundSource driven by explicit Set calls, e.g. from
// a client reporting page visibility
type Visibility struct {
	mu     sync.Mutex
	hidden bool
	subs   map[int]func(bool)
	next   int
}

// NewVisibility returns a foregrounded source
func NewVisibility() *Visibility {
	return &Visibility{subs: make(map[int]func(bool))}
}

func (v *Visibility) OnBackgroundedChanged(fn func(bool)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.next
	v.next++
	v.subs[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

// Set records the current state and notifies subscribers on change
func (v *Visibility) Set(hidden bool) {
	v.mu.Lock()
	if v.hidden == hidden {
		v.mu.Unlock()
		return
	}
	v.hidden = hidden
	fns := make([]func(bool), 0, len(v.subs))
	for _, fn := range v.subs {
		fns = append(fns, fn)
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(hidden)
	}
}

// Hidden reports the last state set
func (v *Visibility) Hidden() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hidden
}
