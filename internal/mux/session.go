// Package mux keeps the per control connection table of multiplexed
// connections and runs the goroutines that pump their bytes.
//
// Relay and listener goroutines never touch the wire. They report Events to
// the control goroutine, which owns the codec, and receive Commands through
// their Link.
package mux

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"

	"github.com/matst80/neogrok/internal/idpool"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/ratelimit"
)

// Event is sent by listener and relay goroutines to the control goroutine.
type Event interface{ isEvent() }

// Connected announces a freshly accepted connection. The control goroutine
// inserts Link and tells the peer about ID.
type Connected struct {
	ID     uint16
	Link   *Link
	Remote net.Addr
}

// Disconnected reports that the relay for ID closed on its own. Link names
// the relay, so an event that outlived its id can be told apart from the
// id's next owner.
type Disconnected struct {
	ID   uint16
	Link *Link
}

// Forward carries bytes read from a local socket.
type Forward struct {
	ID      uint16
	Link    *Link
	Payload []byte
}

// Closed reports that the listener stopped because Accept failed.
type Closed struct{ Err error }

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Forward) isEvent()      {}
func (Closed) isEvent()       {}

// Command is delivered to a relay through its Link.
type Command interface{ isCommand() }

// Write asks the relay to write Payload to its socket.
type Write struct{ Payload []byte }

// ForceDisconnect closes the relay without reporting Disconnected, because
// the peer already knows.
type ForceDisconnect struct{}

func (Write) isCommand()           {}
func (ForceDisconnect) isCommand() {}

// Link is the inbound side of one relay.
type Link struct {
	inbox chan Command
	done  chan struct{}
}

// NewLink creates a link whose inbox holds size commands, DefaultInboxSize
// when size is not positive.
func NewLink(size int) *Link {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Link{inbox: make(chan Command, size), done: make(chan struct{})}
}

// Done is closed when the relay owning the link has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

type SendResult int

const (
	SendOK SendResult = iota
	SendNotFound
	SendClosed
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendNotFound:
		return "not_found"
	default:
		return "closed"
	}
}

var ErrDuplicateID = errors.New("mux: connection id already registered")

// Options tune a Session.
type Options struct {
	// Pool hands out connection ids for accepted connections. It may be nil
	// when ids are assigned by the peer.
	Pool idpool.Pool
	// ReadSize is the largest chunk a relay reads from its socket.
	ReadSize int
	// InboxSize bounds each relay's command queue.
	InboxSize int
	// EventsSize bounds the queue feeding the control goroutine.
	EventsSize int
	// Limiter, if set, is consulted for every accepted connection.
	Limiter *ratelimit.RateLimiter
	// Key identifies the session to the limiter and in logs.
	Key    string
	Fields obs.Fields
}

const (
	DefaultReadSize   = 4096
	DefaultInboxSize  = 64
	DefaultEventsSize = 256
)

// Session is the multiplexer state of one control connection.
//
// The link table is only mutated by the control goroutine (Insert, Remove,
// Shutdown); the mutex exists so Len can be read from elsewhere.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	pool   *idpool.Shared
	events chan Event

	mu    sync.Mutex
	links map[uint16]*Link
	ln    net.Listener

	wg       sync.WaitGroup
	shutdown sync.Once
}

// NewSession creates a session whose goroutines stop when ctx is done or
// Shutdown is called.
func NewSession(ctx context.Context, opts Options) *Session {
	if opts.ReadSize <= 0 {
		opts.ReadSize = DefaultReadSize
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.EventsSize <= 0 {
		opts.EventsSize = DefaultEventsSize
	}
	s := &Session{
		opts:   opts,
		events: make(chan Event, opts.EventsSize),
		links:  make(map[uint16]*Link),
	}
	if opts.Pool != nil {
		s.pool = idpool.NewShared(opts.Pool)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Events is the queue the control goroutine drains. It is never closed;
// select on Done as well.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) Key() string { return s.opts.Key }

// Emit queues ev for the control goroutine. It returns false once the
// session is shut down.
func (s *Session) Emit(ev Event) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Insert registers the link of a new relay.
func (s *Session) Insert(id uint16, l *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[id]; ok {
		return ErrDuplicateID
	}
	s.links[id] = l
	return nil
}

// SendTo delivers cmd to the relay owning id. It blocks while the relay's
// inbox is full.
func (s *Session) SendTo(id uint16, cmd Command) SendResult {
	s.mu.Lock()
	l, ok := s.links[id]
	s.mu.Unlock()
	if !ok {
		return SendNotFound
	}
	select {
	case <-l.done:
		return SendClosed
	default:
	}
	select {
	case l.inbox <- cmd:
		return SendOK
	case <-l.done:
		return SendClosed
	case <-s.ctx.Done():
		return SendClosed
	}
}

// Remove drops the entry for id and closes its inbox so an idle relay
// exits. The id itself goes back to the pool when the relay exits.
func (s *Session) Remove(id uint16) bool {
	s.mu.Lock()
	l, ok := s.links[id]
	delete(s.links, id)
	s.mu.Unlock()
	if ok {
		close(l.inbox)
	}
	return ok
}

// RemoveIf is Remove restricted to the entry still owned by l. It reports
// false when id was released or already handed to another relay.
func (s *Session) RemoveIf(id uint16, l *Link) bool {
	s.mu.Lock()
	cur, ok := s.links[id]
	if !ok || cur != l {
		s.mu.Unlock()
		return false
	}
	delete(s.links, id)
	s.mu.Unlock()
	close(l.inbox)
	return true
}

// Owns reports whether id is currently registered to l.
func (s *Session) Owns(id uint16, l *Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.links[id]
	return ok && cur == l
}

// IDs returns the registered ids in ascending order.
func (s *Session) IDs() []uint16 {
	s.mu.Lock()
	ids := make([]uint16, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Len is the number of registered links.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Shutdown stops the listener and every relay. Safe to call more than once.
func (s *Session) Shutdown() {
	s.shutdown.Do(func() {
		s.cancel()
		s.mu.Lock()
		ln := s.ln
		links := s.links
		s.links = make(map[uint16]*Link)
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
		for _, l := range links {
			close(l.inbox)
		}
	})
}

// Wait blocks until every goroutine started by the session has returned.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) requestID() (uint16, error) {
	if s.pool == nil {
		return 0, errors.New("mux: session has no id pool")
	}
	return s.pool.Request()
}

func (s *Session) returnID(id uint16) {
	if s.pool != nil {
		s.pool.Return(id)
	}
}

// InUse reports how many pool ids are held by live relays.
func (s *Session) InUse() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.InUse()
}
