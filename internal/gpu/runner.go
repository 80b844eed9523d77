package gpu

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("helper not started")
	ErrInProgress = errors.New("helper in progress")
)

type StderrFunc func(ctx context.Context, line string)

// Runner supervises a single helper process at a time: it captures stdout,
// streams stderr lines to a callback and publishes the final Result.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	results    chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result:  Result{Err: ErrNotStarted},
		results: make(chan Result, 1),
	}
}

// Command is the helper process prototype.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Start spawns the helper, it ensures only a single instance is active and
// returns ErrInProgress otherwise. It does not wait for the command, read
// ResultsChan instead. The timeout bounds the batch completion wait so a
// stalled device can't hang the job shutdown.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
	}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "helper command has no timeout", "path", proto.Path)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	r.cmd = exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	r.cmd.Env = r.result.Env
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = r.cmd.StderrPipe()
		if err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	r.cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := r.cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cmd = nil
		return err
	}

	if stderr != nil {
		go r.processStderr(ctx, stderr, stderrFunc)
	}
	go r.wait(r.cmd)
	return nil
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing helper stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	select {
	case r.results <- r.result:
	default:
		// last result not consumed, drop the older one
		select {
		case <-r.results:
		default:
		}
		r.results <- r.result
	}
}

// ResultsChan returns the channel publishing results of finished helpers.
func (r *Runner) ResultsChan() <-chan Result {
	return r.results
}

// LastResult returns the last helper result or a result with
// ErrNotStarted/ErrInProgress if nothing finished yet.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Close terminates a running helper, if any.
func (r *Runner) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}
