package realtime

import "sync"

// Shared hands out one process-wide Channel to many monitors. The channel
// is created on first Acquire and disconnected when the last holder
// releases it.
//
// Handlers are registered per event name, not per room, and worker events
// carry no run id, so a handler sees the events of every joined room. A
// Shared therefore carries one mounted monitor at a time; remounts reuse the
// connection, and holders that join no room (a reconnect watcher) may share
// it freely. Runs followed concurrently need their own Shared.
type Shared struct {
	cfg    Config
	wsURL  string
	tokens TokenSource
	opts   []Option

	mu   sync.Mutex
	ch   *Channel
	refs int
}

// NewShared validates cfg and returns an empty holder.
func NewShared(cfg Config, tokens TokenSource, opts ...Option) (*Shared, error) {
	cfg = cfg.withDefaults()
	wsURL, err := websocketURL(cfg.URL, cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Shared{cfg: cfg, wsURL: wsURL, tokens: tokens, opts: opts}, nil
}

// Acquire increments the reference count and returns the shared channel.
func (s *Shared) Acquire() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = newChannel(s.cfg, s.wsURL, s.tokens, s.opts...)
	}
	s.refs++
	return s.ch
}

// Release decrements the reference count and disconnects the channel when
// it reaches zero. Extra releases are ignored.
func (s *Shared) Release() {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return
	}
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()

	ch.Disconnect()
}

// Refs returns the current reference count.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
