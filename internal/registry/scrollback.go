package registry

import (
	"strings"
	"sync"
)

// scrollback retains the trailing output lines of one session, capped at a
// fixed line count. The cap bounds both memory and the persisted snapshot.
type scrollback struct {
	mu      sync.Mutex
	limit   int
	lines   []string
	partial string
}

func newScrollback(limit int) *scrollback {
	if limit <= 0 {
		limit = 1000
	}
	return &scrollback{limit: limit}
}

// Append folds a raw output chunk into the line history. The trailing
// unterminated segment is carried until its newline arrives.
func (s *scrollback) Append(data string) {
	if data == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(s.partial+data, "\n")
	s.partial = parts[len(parts)-1]
	s.lines = append(s.lines, parts[:len(parts)-1]...)

	if excess := len(s.lines) - s.limit; excess > 0 {
		s.lines = append([]string(nil), s.lines[excess:]...)
	}
}

// Tail returns up to limit trailing lines, including the current partial
// line if one is pending.
func (s *scrollback) Tail(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.lines
	if s.partial != "" {
		lines = append(append([]string(nil), s.lines...), s.partial)
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}
