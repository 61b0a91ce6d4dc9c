package capability

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"sockbridge/internal/events"
)

// Exec runs a child process with its stdio bound to the session:
// received data goes to its stdin, its stdout and stderr are written
// to the socket.  Either Program (-e) or Command (-c) must be set.
type Exec struct {
	Program string
	Command string
}

func (e *Exec) command(ctx context.Context) (*exec.Cmd, error) {
	switch {
	case e.Command != "":
		if runtime.GOOS == "windows" {
			return exec.CommandContext(ctx, "cmd.exe", "/C", e.Command), nil
		}
		return exec.CommandContext(ctx, "/bin/sh", "-c", e.Command), nil
	case e.Program != "":
		return exec.CommandContext(ctx, e.Program), nil
	}
	return nil, fmt.Errorf("no command specified for exec mode")
}

// Handle runs the child until it exits.  When the session ends first
// the child's stdin is closed and the child is killed.
func (e *Exec) Handle(parent context.Context, b *Binding) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cmd, err := e.command(ctx)
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("exec: stdin: %w", err)
	}
	out := sessionWriter{b.Session}
	cmd.Stdout = out
	cmd.Stderr = out

	b.Logger.Debug("exec: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}

	type outcome struct {
		ended bool
		err   error
	}
	fed := make(chan outcome, 1)
	go func() {
		ended, err := feed(ctx, b.Events, stdin)
		stdin.Close()
		if ended {
			cancel()
		}
		fed <- outcome{ended, err}
	}()

	werr := cmd.Wait()
	cancel()
	o := <-fed
	switch {
	case o.err != nil:
		return o.err
	case o.ended:
		b.Logger.Verbose("exec: socket %s ended, child stopped", b.Session.ID())
		return nil
	case werr != nil && parent.Err() != nil:
		return parent.Err()
	case werr != nil:
		return fmt.Errorf("exec %q: %w", cmd.Path, werr)
	}
	return nil
}

// feed copies received data into w until the session ends or ctx is
// done.  ended reports that the session ended; err is set when it
// failed.
func feed(ctx context.Context, evs <-chan events.Event, w io.Writer) (ended bool, err error) {
	for {
		select {
		case e, ok := <-evs:
			if !ok {
				return true, nil
			}
			if e.Name == events.ReceivedData {
				// A child that closed its stdin just stops getting input.
				w.Write(e.Data) //nolint:errcheck
				continue
			}
			if end, err := terminal(e); end {
				return true, err
			}
		case <-ctx.Done():
			return false, nil
		}
	}
}
