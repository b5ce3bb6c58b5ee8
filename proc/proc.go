package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// ErrStart is returned when the child process could not be started.
var ErrStart = errors.New("could not start process")

// Runner launches the wrapped CLI. The argument vector passed to it is treated as opaque.
type Runner struct {
	// Path is the executable to run, looked up in PATH if it has no separators.
	Path string
	// Env is appended to the current environment, if non-empty.
	Env []string
	// Dir is the working directory of the child, defaults to the current one.
	Dir string
	Log *zap.SugaredLogger
}

func (r *Runner) logger() *zap.SugaredLogger {
	if r.Log == nil {
		return zap.NewNop().Sugar()
	}
	return r.Log
}

func (r *Runner) configure(cmd *exec.Cmd) {
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
}

// stderrWriter forwards each line of the child's stderr to the debug log.
func (r *Runner) stderrWriter() *zapio.Writer {
	return &zapio.Writer{
		Log:   r.logger().Named("stderr").Desugar(),
		Level: zap.DebugLevel,
	}
}

// Process is a running child whose stdout is piped to the caller.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *zapio.Writer
	log    *zap.SugaredLogger
	start  time.Time

	releaseOnce sync.Once
	waitOnce    sync.Once
	exitCode    int
	waitErr     error
}

// Start spawns the CLI with the given arguments and a piped stdout.
// The caller must either read stdout to EOF and call Wait, or call Release.
func (r *Runner) Start(argv []string) (*Process, error) {
	log := r.logger()
	cmd := exec.Command(r.Path, argv...)
	r.configure(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := r.stderrWriter()
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Start()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}
	log.Debugw("started process", "Path", r.Path, "Args", argv, "PID", cmd.Process.Pid)

	return &Process{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		log:    log,
		start:  start,
	}, nil
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Stdout returns the read end of the child's stdout pipe.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Wait waits for the child to exit and returns its exit code.
// It must not be called before stdout has been read to completion or released.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.stderr.Close()
		p.exitCode = p.cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
		p.log.Debugw("process exited",
			"PID", p.cmd.Process.Pid,
			"ExitCode", p.exitCode,
			"TimeMS", time.Since(p.start).Milliseconds(),
		)
	})
	return p.exitCode, p.waitErr
}

// Release closes our end of the stdout pipe, unblocking any reader, and reaps the child in the background.
// The child is not signaled; it runs until it exits on its own.
func (p *Process) Release() {
	p.releaseOnce.Do(func() {
		err := p.stdout.Close()
		if err != nil {
			p.log.Debugf("error closing stdout: %s", err)
		}
		go p.Wait()
	})
}

// Output runs the CLI to completion and returns its stdout and exit code.
// If ctx is done before the child exits, the child is killed.
// A non-zero exit code is not an error.
func (r *Runner) Output(ctx context.Context, argv []string) ([]byte, int, error) {
	log := r.logger()
	cmd := exec.CommandContext(ctx, r.Path, argv...)
	r.configure(cmd)

	stdout := &bytes.Buffer{}
	cmd.Stdout = stdout
	stderr := r.stderrWriter()
	defer stderr.Close()
	cmd.Stderr = stderr

	err := cmd.Start()
	if err != nil {
		return nil, -1, fmt.Errorf("%w: %w", ErrStart, err)
	}
	log.Debugw("started process", "Path", r.Path, "Args", argv, "PID", cmd.Process.Pid)

	err = cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, -1, fmt.Errorf("waiting for process: %w", err)
		}
	}
	exitCode := cmd.ProcessState.ExitCode()
	log.Debugf("process %d exited with code %d", cmd.Process.Pid, exitCode)
	return stdout.Bytes(), exitCode, nil
}
