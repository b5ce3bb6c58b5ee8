package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/guseggert/condadev/proc"
)

// Emitter receives the events of a session in order.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to an Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Stream parses r and emits each event until the result has been emitted.
func Stream(ctx context.Context, r io.Reader, emitter Emitter) error {
	parser := NewParser(r)
	for {
		ev, err := parser.Next()
		if err != nil {
			return err
		}
		err = emitter.Emit(ctx, ev)
		if err != nil {
			return fmt.Errorf("emitting %s event: %w", ev.Kind, err)
		}
		if ev.Kind == KindResult {
			return nil
		}
	}
}

// Run launches the CLI for req and streams its output to the emitter.
// It returns once the result has been emitted, or on the first error.
//
// The child is never killed. When Run returns, or as soon as ctx is done, the stdout pipe is closed
// and the child is reaped in the background whenever it exits.
func Run(ctx context.Context, runner *proc.Runner, req CommandRequest, emitter Emitter) error {
	p, err := runner.Start(req.Argv())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessLaunch, err)
	}
	defer p.Release()

	stop := context.AfterFunc(ctx, p.Release)
	defer stop()

	err = Stream(ctx, p.Stdout(), emitter)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("session ended: %w: %w", ctx.Err(), err)
	}
	return err
}
