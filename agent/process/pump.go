package process

import (
	"errors"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// chunkSize is the largest chunk a relay reads from the child before forwarding it.
const chunkSize = 32768

// Pump drives a child's stdio until it exits.
// Stdout and Stderr are called with each chunk read from the matching pipe. The chunk is only valid
// for the duration of the call. Calls for one stream are sequential and in order, but the two
// streams are relayed concurrently.
type Pump struct {
	Log    *zap.SugaredLogger
	Stdout func(p []byte) error
	Stderr func(p []byte) error
}

// Run feeds stdin to the child, relays its output, and waits for it to exit.
// It returns once all four have finished.
func (p *Pump) Run(c *Child, stdin []byte) (ExitStatus, error) {
	var (
		group  errgroup.Group
		status ExitStatus
	)

	group.Go(func() error {
		err := c.WriteStdin(stdin)
		if err != nil {
			// the child may exit without reading its input, which isn't our problem
			p.Log.Debugf("stdin feeder stopped: %s", err)
		}
		return nil
	})
	group.Go(func() error {
		p.relay(p.Log.Named("stdout"), c.Stdout(), p.Stdout)
		return nil
	})
	group.Go(func() error {
		p.relay(p.Log.Named("stderr"), c.Stderr(), p.Stderr)
		return nil
	})
	group.Go(func() error {
		s, err := c.Wait()
		if err != nil {
			return err
		}
		p.Log.Debugf("process %d exited with %+v", c.Pid(), s)
		status = s
		return nil
	})

	err := group.Wait()
	return status, err
}

func (p *Pump) relay(log *zap.SugaredLogger, r io.ReadCloser, forward func([]byte) error) {
	defer r.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := forward(buf[:n]); ferr != nil {
				// keep the pipe drained so the child never blocks on a full pipe
				log.Debugf("forwarding failed, discarding remaining output: %s", ferr)
				_, _ = io.Copy(io.Discard, r)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Debugf("read error: %s", err)
			return
		}
	}
}
