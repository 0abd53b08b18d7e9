package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
)

// ExitResult carries a child's exit status to the supervising worker.
type ExitResult struct {
	Code int
	Err  error
}

// Process is a running child under supervision.
type Process interface {
	// PID returns the operating system process ID.
	PID() int

	// Done delivers the exit result exactly once when the process ends.
	Done() <-chan ExitResult

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill forcibly ends the process and its process group.
	Kill() error

	// Stdin is the child's stdin pipe, nil unless pipes were requested.
	Stdin() io.WriteCloser

	// Stdout is the child's stdout pipe, nil unless pipes were requested.
	Stdout() io.Reader
}

// LaunchSpec describes one process to create. Env holds the fully resolved
// environment, secrets already in plaintext; it exists only for the duration
// of the launch.
type LaunchSpec struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string

	// Pipes requests stdin/stdout pipes for stdio-protocol children.
	Pipes bool

	// Log receives the child's stderr, one entry per line, so crash
	// diagnostics survive the process.
	Log *slog.Logger
}

// Launcher creates processes. The supervisor uses the os/exec implementation;
// tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher launches real processes via os/exec, each in its own process
// group so Kill reaps grandchildren too.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = flattenEnv(spec.Env)
	setProcAttr(cmd)

	p := &execProcess{cmd: cmd, done: make(chan ExitResult, 1)}

	if spec.Pipes {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		p.stdin = stdin
		p.stdout = stdout
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go drainStderr(spec.Log, stderr)

	go func() {
		err := cmd.Wait()
		res := ExitResult{Err: err}
		if cmd.ProcessState != nil {
			res.Code = cmd.ProcessState.ExitCode()
		}
		p.done <- res
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan ExitResult
}

func (p *execProcess) PID() int                { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan ExitResult { return p.done }
func (p *execProcess) Stdin() io.WriteCloser   { return p.stdin }
func (p *execProcess) Stdout() io.Reader       { return p.stdout }

func (p *execProcess) Terminate() error {
	return signalTerm(p.cmd)
}

func (p *execProcess) Kill() error {
	return killGroup(p.cmd)
}

// drainStderr keeps the child's stderr pipe from filling and surfaces each
// line through the instance logger.
func drainStderr(log *slog.Logger, r io.Reader) {
	if log == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		log.Debug("stderr", "line", sc.Text())
	}
}

// flattenEnv merges the spec's entries over the daemon's own environment.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := os.Environ()
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
