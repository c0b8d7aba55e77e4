package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

const readChunkSize = 4096

// errReadTimeout is returned by chunkSource.next when no data arrived in time.
var errReadTimeout = errors.New("upstream read timed out")

type readResult struct {
	data []byte
	err  error
}

// chunkSource pumps an upstream body from a dedicated goroutine so that each
// read can be raced against a timer and a context.
type chunkSource struct {
	body      io.ReadCloser
	reads     chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

func newChunkSource(body io.ReadCloser) *chunkSource {
	s := &chunkSource{
		body:  body,
		reads: make(chan readResult),
		done:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *chunkSource) pump() {
	defer close(s.reads)
	for {
		buf := make([]byte, readChunkSize)
		n, err := s.body.Read(buf)
		if n > 0 {
			select {
			case s.reads <- readResult{data: buf[:n]}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.reads <- readResult{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

// next waits up to timeout for the next chunk. It returns io.EOF once the
// body is drained, errReadTimeout when the timer wins and the context cause
// when ctx is done first.
func (s *chunkSource) next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return nil, errReadTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r, ok := <-s.reads:
		if !ok {
			return nil, io.EOF
		}
		return r.data, r.err
	case <-timer.C:
		return nil, errReadTimeout
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// close stops the pump and releases the body. Safe to call more than once.
func (s *chunkSource) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.body.Close()
	})
}
