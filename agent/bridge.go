package agent

import (
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/rambo/agent/frame"
	"github.com/guseggert/rambo/agent/process"
	"github.com/guseggert/rambo/agent/session"
	"go.uber.org/zap"
)

// ErrParentDisconnected means the inbound channel closed before the exchange completed.
var ErrParentDisconnected = errors.New("parent disconnected")

// Bridge runs one session per call to Run: it receives a command, runs it, and reports the result.
type Bridge struct {
	logger       *zap.SugaredLogger
	debug        bool
	maxFrameSize uint32
	metrics      *metrics
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l.Named("bridge").Sugar()
	}
}

// WithDebug mirrors every frame read and written to the logger at debug level.
func WithDebug(debug bool) Option {
	return func(b *Bridge) {
		b.debug = debug
	}
}

// WithMaxFrameSize bounds the size of inbound frames. Zero means frame.DefaultMaxFrameSize.
func WithMaxFrameSize(n uint32) Option {
	return func(b *Bridge) {
		b.maxFrameSize = n
	}
}

func withMetrics(m *metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger:       zap.NewNop().Sugar(),
		maxFrameSize: frame.DefaultMaxFrameSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run runs a single session, reading frames from in and writing frames to out.
// It returns once the outcome has been reported, or as soon as the parent disconnects.
// A child still running when the parent disconnects is killed.
func (b *Bridge) Run(in io.Reader, out io.Writer) Outcome {
	if b.metrics != nil {
		b.metrics.active.Inc()
		defer b.metrics.active.Dec()
	}

	outcome := b.run(in, out)
	b.logger.Debugw("session finished", "Outcome", outcome)

	if b.metrics != nil {
		b.metrics.sessions.WithLabelValues(outcome.Kind.String()).Inc()
	}
	return outcome
}

func (b *Bridge) run(in io.Reader, out io.Writer) Outcome {
	var trace *zap.SugaredLogger
	if b.debug {
		trace = b.logger.Named("frames")
	}
	r := frame.NewReader(in, b.maxFrameSize, trace)
	w := frame.NewWriter(out, trace)

	spec, err := b.receive(r)
	if isDisconnect(err) {
		b.logger.Debugf("parent went away before sending a command: %s", err)
		return Outcome{Kind: OutcomeDisconnected, Err: ErrParentDisconnected}
	}
	if err != nil {
		return b.fail(w, err)
	}

	child, err := process.Start(spec)
	if err != nil {
		return b.fail(w, err)
	}
	b.logger.Debugf("started process %d: %s %q", child.Pid(), spec.Program, spec.Args)

	return b.supervise(r, w, child, spec.Stdin)
}

// receive reads frames until Eot and returns the accumulated launch spec.
func (b *Bridge) receive(r *frame.Reader) (session.LaunchSpec, error) {
	builder := session.NewBuilder()
	for {
		msg, err := r.Read()
		if err != nil {
			return session.LaunchSpec{}, err
		}
		done, err := builder.Add(msg)
		if err != nil {
			return session.LaunchSpec{}, err
		}
		if done {
			break
		}
	}

	spec, err := builder.Finalize()
	if errors.Is(err, session.ErrCommandRequired) {
		return session.LaunchSpec{}, &process.LaunchError{Err: err}
	}
	return spec, err
}

type pumpResult struct {
	status process.ExitStatus
	err    error
}

// supervise races the I/O pump against the liveness monitor.
func (b *Bridge) supervise(r *frame.Reader, w *frame.Writer, child *process.Child, stdin []byte) Outcome {
	monitorCh := make(chan error, 1)
	go func() {
		monitorCh <- monitor(r)
	}()

	pump := &process.Pump{
		Log: b.logger.Named("pump"),
		Stdout: func(p []byte) error {
			b.countRelayed("stdout", p)
			return w.Write(frame.Stdout{Data: p})
		},
		Stderr: func(p []byte) error {
			b.countRelayed("stderr", p)
			return w.Write(frame.Stderr{Data: p})
		},
	}
	pumpCh := make(chan pumpResult, 1)
	go func() {
		status, err := pump.Run(child, stdin)
		pumpCh <- pumpResult{status: status, err: err}
	}()

	select {
	case err := <-monitorCh:
		return b.cancel(w, child, err)
	case res := <-pumpCh:
		// the monitor wins a tie
		select {
		case err := <-monitorCh:
			return b.cancel(w, child, err)
		default:
		}
		return b.report(w, res)
	}
}

// monitor blocks until the parent sends something or the inbound channel ends.
// Either way the session can't continue normally.
func monitor(r *frame.Reader) error {
	msg, err := r.Read()
	if err != nil {
		return err
	}
	return &frame.ProtocolError{Reason: fmt.Sprintf("unexpected %s while command is running", msg.Tag())}
}

func (b *Bridge) cancel(w *frame.Writer, child *process.Child, err error) Outcome {
	if isDisconnect(err) {
		w.Abandon()
		b.logger.Debugf("parent disconnected, killing process %d", child.Pid())
		b.kill(child)
		return Outcome{Kind: OutcomeDisconnected, Err: ErrParentDisconnected}
	}
	b.logger.Debugf("monitor failed, killing process %d: %s", child.Pid(), err)
	b.kill(child)
	return b.fail(w, err)
}

func (b *Bridge) kill(child *process.Child) {
	if err := child.Kill(); err != nil {
		b.logger.Warnf("error killing process %d: %s", child.Pid(), err)
	}
}

func (b *Bridge) report(w *frame.Writer, res pumpResult) Outcome {
	if res.err != nil {
		return b.fail(w, res.err)
	}
	if !res.status.HasCode {
		b.finish(w, frame.Eot{})
		return Outcome{Kind: OutcomeSignaled}
	}
	b.finish(w, frame.ExitStatus{Code: int32(res.status.Code)}, frame.Eot{})
	return Outcome{Kind: OutcomeExited, Code: res.status.Code}
}

func (b *Bridge) fail(w *frame.Writer, err error) Outcome {
	b.logger.Debugf("session failed: %s", err)
	b.finish(w, frame.Error{Description: err.Error()}, frame.Eot{})
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func (b *Bridge) finish(w *frame.Writer, final ...frame.Outbound) {
	if err := w.Finish(final...); err != nil {
		b.logger.Warnf("error reporting outcome to parent: %s", err)
	}
}

func (b *Bridge) countRelayed(stream string, p []byte) {
	if b.metrics != nil {
		b.metrics.relayedBytes.WithLabelValues(stream).Add(float64(len(p)))
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
