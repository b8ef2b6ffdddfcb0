// Package mock provides an in-memory implementation of [stt.Provider] and
// [stt.Session] for unit tests. Tests push segments through the session's
// Feed method to simulate recognition.
package mock

import (
	"context"
	"sync"

	"github.com/cantinaos/cantina/pkg/provider/stt"
	"github.com/cantinaos/cantina/pkg/types"
)

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// StartError is returned by Start when non-nil.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// Sessions holds every session handed out, in order.
	Sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// Start implements [stt.Provider].
func (p *Provider) Start(ctx context.Context, sampleRate int) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStart++
	if p.StartError != nil {
		return nil, p.StartError
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Session is a mock implementation of [stt.Session].
type Session struct {
	mu sync.Mutex

	// WriteError is returned by Write when non-nil.
	WriteError error

	// CallCountWrite records how many times Write was called.
	CallCountWrite int

	// WrittenBytes records the length of each audio chunk written.
	WrittenBytes []int

	segments chan types.TranscriptSegment
	closed   bool
}

var _ stt.Session = (*Session)(nil)

// NewSession returns a ready mock session.
func NewSession() *Session {
	return &Session{segments: make(chan types.TranscriptSegment, 16)}
}

// Feed delivers a segment to the session's consumer, as if recognized.
func (s *Session) Feed(seg types.TranscriptSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.segments <- seg
}

// Write implements [stt.Session].
func (s *Session) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountWrite++
	s.WrittenBytes = append(s.WrittenBytes, len(pcm))
	return s.WriteError
}

// Segments implements [stt.Session].
func (s *Session) Segments() <-chan types.TranscriptSegment { return s.segments }

// Close implements [stt.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.segments)
	}
	return nil
}
