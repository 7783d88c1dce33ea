package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is the lifecycle position of a Driver.
type State int32

const (
	StateIdle State = iota
	StateReading
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrDriverReused = errors.New("sse: driver already used")
	ErrTransport    = errors.New("sse: transport read failed")
)

const defaultReadSize = 4 << 10

// Result summarizes one driven stream. Text holds whatever was accumulated,
// including the partial message of a failed stream.
type Result struct {
	Text           string
	State          State
	Sentinel       bool
	Deltas         int
	Malformed      int
	DiscardedBytes int
}

// Option configures a Driver.
type Option func(*Driver)

// WithOnText registers the observer called after every applied text delta
// with the full message so far and the delta that was just appended.
func WithOnText(fn func(text, delta string)) Option {
	return func(d *Driver) { d.onText = fn }
}

// WithOnMalformed registers an observer for skipped data frames.
func WithOnMalformed(fn func(payload string, err error)) Option {
	return func(d *Driver) { d.onMalformed = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithReadSize sets the per-read buffer size.
func WithReadSize(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// Driver pulls a chat-completions SSE body through the line, frame, delta and
// accumulator stages. One Driver serves exactly one response stream.
type Driver struct {
	state       atomic.Int32
	lines       LineBuffer
	acc         Accumulator
	onText      func(text, delta string)
	onMalformed func(payload string, err error)
	logger      *slog.Logger
	readSize    int
}

func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		logger:   slog.Default(),
		readSize: defaultReadSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State reports the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Run reads body until the sentinel, EOF, a read error or ctx cancellation.
// Both the sentinel and a clean EOF end in StateDone. Read errors end in
// StateFailed with an error wrapping ErrTransport; cancellation ends in
// StateFailed with an error wrapping ctx.Err(). body is always closed, and is
// closed early on cancellation so a blocked read returns.
func (d *Driver) Run(ctx context.Context, body io.ReadCloser) (Result, error) {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateReading)) {
		return Result{State: d.State()}, ErrDriverReused
	}
	if body == nil {
		return d.fail(&Result{}, fmt.Errorf("%w: nil body", ErrTransport))
	}

	var closeOnce sync.Once
	closeBody := func() { closeOnce.Do(func() { _ = body.Close() }) }
	stop := context.AfterFunc(ctx, closeBody)
	defer func() {
		stop()
		closeBody()
		d.lines.Reset()
	}()

	res := &Result{}
	buf := make([]byte, d.readSize)
	for {
		if err := ctx.Err(); err != nil {
			return d.fail(res, err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			ended, err := d.consume(ctx, buf[:n], res)
			if err != nil {
				return d.fail(res, err)
			}
			if ended {
				res.Sentinel = true
				return d.finish(res), nil
			}
		}

		switch {
		case readErr == nil:
			continue
		case ctx.Err() != nil:
			return d.fail(res, ctx.Err())
		case errors.Is(readErr, io.EOF):
			if pending := d.lines.Pending(); pending > 0 {
				res.DiscardedBytes = pending
				d.logger.Debug("sse discarded unterminated trailing line", "bytes", pending)
			}
			return d.finish(res), nil
		default:
			return d.fail(res, fmt.Errorf("%w: %w", ErrTransport, readErr))
		}
	}
}

// consume runs one chunk's complete lines through the pipeline. It reports
// whether the sentinel was seen.
func (d *Driver) consume(ctx context.Context, chunk []byte, res *Result) (bool, error) {
	for _, line := range d.lines.Feed(chunk) {
		frame := Classify(line)
		if frame.Kind != FrameData {
			if frame.Kind == FrameUnknown {
				d.logger.Debug("sse ignored line", "line", line)
			}
			continue
		}

		delta := Extract(frame.Payload)
		switch delta.Kind {
		case DeltaEnd:
			d.acc.Apply(delta)
			return true, nil
		case DeltaUnparseable:
			res.Malformed++
			d.logger.Warn("sse malformed frame", "payload", delta.Raw, "err", delta.Err)
			if d.onMalformed != nil {
				d.onMalformed(delta.Raw, delta.Err)
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return false, err
		}
		text, applied := d.acc.Apply(delta)
		if !applied {
			continue
		}
		res.Deltas++
		if d.onText != nil {
			d.onText(text, delta.Content)
		}
	}
	return false, nil
}

func (d *Driver) finish(res *Result) Result {
	d.state.Store(int32(StateDone))
	res.Text = d.acc.Text()
	res.State = StateDone
	return *res
}

func (d *Driver) fail(res *Result, err error) (Result, error) {
	d.state.Store(int32(StateFailed))
	res.Text = d.acc.Text()
	res.State = StateFailed
	return *res, err
}
