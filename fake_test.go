package agentconsole

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/agentconsole/internal/channel"
	"github.com/aixgo-dev/agentconsole/pkg/config"
)

// peerProcess is an in-memory peer that answers each line through reply.
type peerProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	exited  chan struct{}
}

func newPeerProcess(reply func(string) string) *peerProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &peerProcess{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		exited:  make(chan struct{}),
	}
	go func() {
		defer close(p.exited)
		defer stdoutW.Close()

		if _, err := io.WriteString(stdoutW, "peer ready\n> "); err != nil {
			return
		}
		in := bufio.NewReader(stdinR)
		for {
			line, err := in.ReadString('\n')
			if err != nil {
				return
			}
			out := reply(strings.TrimSuffix(line, "\n"))
			if _, err := io.WriteString(stdoutW, out+"\n> "); err != nil {
				return
			}
		}
	}()
	return p
}

func (p *peerProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *peerProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *peerProcess) Stderr() io.ReadCloser { return nil }
func (p *peerProcess) Pid() int              { return 7 }

func (p *peerProcess) Terminate() error {
	_ = p.stdinR.Close()
	_ = p.stdoutW.Close()
	return nil
}

func (p *peerProcess) Kill() error {
	return p.Terminate()
}

func (p *peerProcess) Wait() error {
	<-p.exited
	return nil
}

// peerSpawner starts peerProcesses, or fails when failWith is set.
type peerSpawner struct {
	mu       sync.Mutex
	reply    func(string) string
	failWith error
	spawned  int
	commands []channel.Command
}

func (s *peerSpawner) Spawn(cmd channel.Command) (channel.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.spawned++
	reply := s.reply
	if reply == nil {
		reply = defaultReply
	}
	return newPeerProcess(reply), nil
}

func (s *peerSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func (s *peerSpawner) lastCommand() channel.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[len(s.commands)-1]
}

// defaultReply answers with a tool call when asked to use a tool and with
// plain prose otherwise.
func defaultReply(line string) string {
	if strings.Contains(line, "use a tool") {
		return "/tool run_report --daily\nreport queued"
	}
	return "reply: " + line
}

var errSpawn = errors.New("exec: no such file")

// testClock is a settable clock for the scheduler.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func testConfig(t interface{ TempDir() string }) *config.Config {
	cfg := config.Default()
	cfg.Peer.Command = "fake-peer"
	cfg.Peer.Args = []string{"--plain"}
	cfg.Peer.EchoStrip = false
	cfg.Timeouts.Startup = 2 * time.Second
	cfg.Timeouts.Response = 2 * time.Second
	cfg.Timeouts.Termination = 500 * time.Millisecond
	cfg.Timeouts.RestartBackoff = 10 * time.Millisecond
	cfg.Session.StartupAttempts = 2
	cfg.Scheduler.Pacing = 0
	cfg.Scheduler.Location = "UTC"
	cfg.Plans.Dir = t.TempDir()
	cfg.Observability.MetricsEnabled = false
	return cfg
}
