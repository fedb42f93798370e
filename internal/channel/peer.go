package channel

import (
	"bufio"
	"io"
	"sync"

	"go.uber.org/zap"
)

const readChunkSize = 4096

// peer holds the goroutines attached to one spawned process.
type peer struct {
	proc Process

	// chunks carries raw stdout bytes; it is closed when stdout fails.
	chunks chan []byte
	done   chan struct{}
	exited chan struct{}

	doneOnce  sync.Once
	closeOnce sync.Once
	pumps     sync.WaitGroup

	mu      sync.Mutex
	readErr error
}

func startPeer(proc Process, logger *zap.Logger) *peer {
	p := &peer{
		proc:   proc,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	p.pumps.Add(1)
	go p.pump()

	if stderr := proc.Stderr(); stderr != nil {
		p.pumps.Add(1)
		go p.drainStderr(stderr, logger)
	}

	go func() {
		err := proc.Wait()
		if err != nil {
			logger.Debug("peer exited", zap.Error(err))
		}
		close(p.exited)
	}()

	return p
}

func (p *peer) pump() {
	defer p.pumps.Done()
	defer close(p.chunks)

	r := bufio.NewReaderSize(p.proc.Stdout(), readChunkSize)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			return
		}
	}
}

func (p *peer) drainStderr(r io.Reader, logger *zap.Logger) {
	defer p.pumps.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("peer stderr", zap.String("line", scanner.Text()))
	}
	// Keep the pipe flowing after an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

// drain discards output that arrived outside a turn and returns its size.
func (p *peer) drain() int {
	n := 0
	for {
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return n
			}
			n += len(chunk)
		default:
			return n
		}
	}
}

func (p *peer) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr == nil || p.readErr == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return p.readErr
}

func (p *peer) release() {
	p.doneOnce.Do(func() { close(p.done) })
}
