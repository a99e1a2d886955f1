package ingest

import (
	"context"
	"sync"
)

// pathSet is a FIFO of file paths that holds each path at most once, so a
// burst of change events for one file is ingested in a single pass.
type pathSet struct {
	mu     sync.Mutex
	order  []string
	queued map[string]struct{}
	closed bool
	ready  chan struct{}
}

func newPathSet() *pathSet {
	return &pathSet{
		queued: make(map[string]struct{}),
		ready:  make(chan struct{}, 1),
	}
}

func (s *pathSet) add(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[path]; ok || s.closed {
		return
	}

	s.queued[path] = struct{}{}
	s.order = append(s.order, path)
	s.signal()
}

// next blocks until a path is available. It returns false once the set is
// closed and empty, or ctx is done.
func (s *pathSet) next(ctx context.Context) (string, bool) {
	for {
		s.mu.Lock()

		if len(s.order) > 0 {
			path := s.order[0]
			s.order = s.order[1:]
			delete(s.queued, path)
			s.mu.Unlock()

			return path, true
		}

		closed := s.closed
		s.mu.Unlock()

		if closed {
			return "", false
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (s *pathSet) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.signal()
}

func (s *pathSet) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
