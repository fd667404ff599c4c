package terminal

import (
	"io"
	"sync"
)

const (
	blockOpen  = "```stdout\n"
	blockClose = "```\n"
)

// framedStream writes fenced output blocks into a pipe. It has a single
// owner for closing: after finish, every write is dropped.
type framedStream struct {
	mu        sync.Mutex
	w         *io.PipeWriter
	open      bool
	lastByte  byte
	closed    bool
	wroteAny  bool
	closeOnce sync.Once
}

func newFramedStream(w *io.PipeWriter) *framedStream {
	return &framedStream{w: w}
}

// output appends data to the current block, opening one if needed
func (s *framedStream) output(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.open {
		if !s.write([]byte(blockOpen)) {
			return
		}
		s.open = true
	}
	if s.write(data) {
		s.lastByte = data[len(data)-1]
		s.wroteAny = true
	}
}

// errorMarker closes any open block and emits an inline error
func (s *framedStream) errorMarker(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closeBlockLocked()
	s.write([]byte("<terminal-error>" + msg + "</terminal-error>\n"))
}

// hasOutput reports whether any command output reached the stream
func (s *framedStream) hasOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wroteAny
}

// finish closes the open block and the pipe. Safe to call repeatedly.
func (s *framedStream) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			s.closeBlockLocked()
		}
		s.closed = true
		_ = s.w.Close()
	})
}

func (s *framedStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *framedStream) closeBlockLocked() {
	if !s.open {
		return
	}
	if s.lastByte != '\n' {
		s.write([]byte("\n"))
	}
	s.write([]byte(blockClose))
	s.open = false
	s.lastByte = 0
}

// write reports false once the reader has gone away
func (s *framedStream) write(p []byte) bool {
	if _, err := s.w.Write(p); err != nil {
		s.closed = true
		return false
	}
	return true
}
