package sse

import "strings"

// Accumulator folds text deltas into the single in-progress assistant message.
// It only grows, and freezes once DeltaEnd has been applied.
type Accumulator struct {
	text    strings.Builder
	started bool
	done    bool
}

// Apply folds d into the message. applied is true only for a DeltaText taken
// before the end of stream; text is the full message either way.
func (a *Accumulator) Apply(d Delta) (text string, applied bool) {
	if a.done {
		return a.text.String(), false
	}
	switch d.Kind {
	case DeltaText:
		a.text.WriteString(d.Content)
		a.started = true
		return a.text.String(), true
	case DeltaEnd:
		a.done = true
	}
	return a.text.String(), false
}

// Text returns the accumulated message.
func (a *Accumulator) Text() string { return a.text.String() }

// Started reports whether any text delta (possibly empty) has been applied.
func (a *Accumulator) Started() bool { return a.started }

// Done reports whether the end-of-stream sentinel was applied.
func (a *Accumulator) Done() bool { return a.done }
