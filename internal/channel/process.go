package channel

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Command describes how to launch the peer process.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the current environment.
	Env []string
}

// Process is a running peer with its standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Stderr may be nil.
	Stderr() io.ReadCloser
	Pid() int
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
}

// Spawner starts peer processes.
type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSpawner starts peers with os/exec.
type ExecSpawner struct{}

// Spawn starts cmd with its own stdin, stdout and stderr pipes.
func (ExecSpawner) Spawn(c Command) (Process, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("empty peer command")
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// os.Pipe instead of StdoutPipe: Wait must not close the read side
	// before the reader has drained the last response.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	closeAll(stdoutW, stderrW)

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdoutR, stderr: stderrR}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Terminate() error      { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
