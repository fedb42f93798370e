package channel

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// fakeProcess is an in-memory peer driven by a script goroutine.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	in      *bufio.Reader

	stubborn   bool
	terminated atomic.Bool
	killed     chan struct{}
	killOnce   sync.Once
	stopped    chan struct{}
	stopOnce   sync.Once
	exited     chan struct{}
}

type script func(p *fakeProcess)

func newFakeProcess(run script, stubborn bool) *fakeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &fakeProcess{
		stdinR:   stdinR,
		stdinW:   stdinW,
		stdoutR:  stdoutR,
		stdoutW:  stdoutW,
		in:       bufio.NewReader(stdinR),
		stubborn: stubborn,
		killed:   make(chan struct{}),
		stopped:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go func() {
		defer close(p.exited)
		defer stdoutW.Close()
		run(p)
	}()
	return p
}

func (p *fakeProcess) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}

func (p *fakeProcess) write(s string) error {
	_, err := io.WriteString(p.stdoutW, s)
	return err
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return nil }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if p.stubborn {
		return nil
	}
	p.stop()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.stop()
	})
	return nil
}

func (p *fakeProcess) stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	_ = p.stdinR.Close()
	_ = p.stdoutW.Close()
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

// fakeSpawner hands out scripts in order, then repeats fallback.
type fakeSpawner struct {
	mu       sync.Mutex
	scripts  []script
	fallback script
	stubborn bool
	failWith error
	spawned  []*fakeProcess
}

func (s *fakeSpawner) Spawn(cmd Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var run script
	switch {
	case len(s.scripts) > 0:
		run = s.scripts[0]
		s.scripts = s.scripts[1:]
	case s.failWith != nil:
		return nil, s.failWith
	case s.fallback != nil:
		run = s.fallback
	default:
		return nil, errors.New("no script")
	}

	p := newFakeProcess(run, s.stubborn)
	s.spawned = append(s.spawned, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[i]
}

// echoPeer greets, then answers every line with an echo and a reply.
func echoPeer(p *fakeProcess) {
	if p.write("welcome\n> ") != nil {
		return
	}
	for {
		line, err := p.readLine()
		if err != nil {
			return
		}
		if p.write(line+"\nyou said: "+line+"\n> ") != nil {
			return
		}
	}
}

// hangPeer becomes ready, then never answers.
func hangPeer(p *fakeProcess) {
	if p.write("> ") != nil {
		return
	}
	for {
		if _, err := p.readLine(); err != nil {
			return
		}
	}
}

// crashPeer becomes ready and exits halfway through the first answer.
func crashPeer(p *fakeProcess) {
	if p.write("> ") != nil {
		return
	}
	if _, err := p.readLine(); err != nil {
		return
	}
	_ = p.write("partial ans")
}

// silentPeer never prints the ready marker.
func silentPeer(p *fakeProcess) {
	if p.write("loading model...\n") != nil {
		return
	}
	for {
		if _, err := p.readLine(); err != nil {
			return
		}
	}
}

// stubbornPeer ignores stdin EOF and SIGTERM until killed.
func stubbornPeer(p *fakeProcess) {
	if p.write("> ") != nil {
		return
	}
	for {
		if _, err := p.readLine(); err != nil {
			break
		}
	}
	<-p.killed
}

// deafPeer becomes ready and never reads stdin, so request writes block.
func deafPeer(p *fakeProcess) {
	if p.write("> ") != nil {
		return
	}
	<-p.stopped
}
