package capability

import (
	"context"
	"errors"
	"io"
	"time"

	"sockbridge/internal/events"
)

// Relay copies stdin to the session and received data to stdout.
type Relay struct {
	// Linger controls what happens after stdin ends.  Zero keeps
	// relaying until the session ends; a positive value returns once no
	// data has arrived for that long.
	Linger time.Duration
}

// Handle relays until the session disconnects or fails, ctx ends, or
// stdin is exhausted and the linger period passes.
func (r *Relay) Handle(ctx context.Context, b *Binding) error {
	inDone := make(chan error, 1)
	go func() { inDone <- r.pump(ctx, b) }()

	var (
		linger  *time.Timer
		lingerC <-chan time.Time
	)
	defer func() {
		if linger != nil {
			linger.Stop()
		}
	}()

	for {
		select {
		case e, ok := <-b.Events:
			if !ok {
				return nil
			}
			if e.Name == events.ReceivedData {
				if _, err := b.Stdout.Write(e.Data); err != nil {
					return err
				}
				if linger != nil {
					linger.Reset(r.Linger)
				}
				continue
			}
			if end, err := terminal(e); end {
				b.Logger.Verbose("relay: socket %s ended", e.SessionID)
				return err
			}
		case err := <-inDone:
			inDone = nil
			if err != nil {
				return err
			}
			b.Logger.Debug("relay: stdin closed")
			if r.Linger > 0 {
				linger = time.NewTimer(r.Linger)
				lingerC = linger.C
			}
		case <-lingerC:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump reads stdin in read-buffer sized chunks and writes them to the
// session.  It returns nil at EOF.
func (r *Relay) pump(ctx context.Context, b *Binding) error {
	size := b.Session.ReadBufferSize()
	if size <= 0 {
		size = 4096
	}
	buf := make([]byte, size)
	w := sessionWriter{b.Session}
	for {
		n, err := b.Stdin.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
