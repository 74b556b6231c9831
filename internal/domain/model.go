package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// Role selects which acceptors a process runs.
type Role int

const (
	RoleBoth Role = iota
	RoleLocal
	RoleRemote
)

type State int32

const (
	StateHandshaking State = iota // client-side protocol exchange
	StateConnecting               // opening the second hop
	StateRelaying                 // pump
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Flavor is the client-side protocol a session was dispatched to.
type Flavor int

const (
	FlavorNone Flavor = iota
	FlavorHTTPConnect
	FlavorHTTPAbsolute
	FlavorSocks5
	FlavorTunnel // remote side of the hop
)

func (f Flavor) String() string {
	switch f {
	case FlavorHTTPConnect:
		return "http-connect"
	case FlavorHTTPAbsolute:
		return "http-absolute"
	case FlavorSocks5:
		return "socks5"
	case FlavorTunnel:
		return "tunnel"
	}
	return "none"
}

// Session owns exactly two sockets: the accepted client socket and the
// peer socket (tunnel at the local endpoint, target at the remote one).
// A single goroutine drives both; everyone else may only read the state
// or request a stop.
type Session struct {
	ClientFD int

	PeerAddr  string
	Flavor    Flavor
	CreatedAt time.Time
	Cipher    Cipher

	peerFD  atomic.Int32
	state   atomic.Int32
	stopped atomic.Bool
	done    chan struct{}

	// sockMu serializes the owner's single close against a late
	// interrupt from shutdown, so no shutdown ever lands on a recycled
	// fd number.
	sockMu   sync.Mutex
	sockDone bool
}

// CloseSockets runs fn exactly once; later calls are no-ops. The
// session goroutine uses it to close both sockets on the way out.
func (s *Session) CloseSockets(fn func()) {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	if s.sockDone {
		return
	}
	s.sockDone = true
	fn()
}

// InterruptSockets runs fn only while the sockets are still open.
// Stoppers use it to shut the sockets down and unblock the pump.
func (s *Session) InterruptSockets(fn func()) {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	if s.sockDone {
		return
	}
	fn()
}

func NewSession(clientFD int, peerAddr string, cipher Cipher) *Session {
	s := &Session{
		ClientFD:  clientFD,
		PeerAddr:  peerAddr,
		CreatedAt: time.Now(),
		Cipher:    cipher,
		done:      make(chan struct{}),
	}
	s.peerFD.Store(-1)
	return s
}

// PeerFD is the second hop: the tunnel socket at the local endpoint,
// the target socket at the remote one. Atomic because the session
// goroutine sets it after connect while StopAll may already be
// shutting sockets down.
func (s *Session) PeerFD() int {
	return int(s.peerFD.Load())
}

func (s *Session) SetPeerFD(fd int) {
	s.peerFD.Store(int32(fd))
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Advance moves the state machine forward. There are no back-edges;
// moves to an earlier or equal state are ignored.
func (s *Session) Advance(next State) {
	for {
		cur := s.state.Load()
		if int32(next) <= cur {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// StopRequested reports whether a stop was asked for. The pump and the
// exact-read helpers poll this once per readiness tick.
func (s *Session) StopRequested() bool {
	return s.stopped.Load()
}

func (s *Session) MarkStopped() {
	s.stopped.Store(true)
}

// Done is closed by the session goroutine after both sockets are closed
// and the state reached Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Finish() {
	s.Advance(StateClosed)
	close(s.done)
}

const (
	SocksVersion5   = 0x05
	SocksNoAuth     = 0x00
	SocksNoMethod   = 0xFF
	CmdConnect      = 0x01
	AtypIPv4        = 0x01
	AtypDomain      = 0x03
	RepSuccess      = 0x00
	RepFailure      = 0x01
	RepNotSupported = 0x07
)
