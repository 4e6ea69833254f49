package transporttest

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// ErrWriteClosed is returned by writes after Close.
var ErrWriteClosed = errors.New("write on closed stream")

// StreamError reports a stream direction aborted with a code.
type StreamError struct {
	Code   uint64
	Remote bool
}

func (e *StreamError) Error() string {
	if e.Remote {
		return "stream reset by peer"
	}
	return "stream cancelled locally"
}

// pipe is one direction of a stream: an unbounded buffer with EOF on close
// and an error once reset.
type pipe struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	err      error
	notify   chan struct{}
	deadline time.Time
	written  int64
}

func newPipe() *pipe {
	return &pipe{notify: make(chan struct{})}
}

func (p *pipe) signal() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, ErrWriteClosed
	}
	n, _ := p.buf.Write(b)
	p.written += int64(n)
	p.signal()
	return n, nil
}

func (p *pipe) read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return 0, err
		}
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		deadline, notify := p.deadline, p.notify
		p.mu.Unlock()

		if deadline.IsZero() {
			<-notify
			continue
		}
		d := time.Until(deadline)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		select {
		case <-notify:
		case <-t.C:
		}
		t.Stop()
	}
}

func (p *pipe) closeWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.signal()
	}
}

func (p *pipe) reset(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
		p.buf.Reset()
		p.signal()
	}
}

func (p *pipe) setDeadline(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	p.signal()
}

func (p *pipe) state() (closed bool, err error, written int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err, p.written
}
