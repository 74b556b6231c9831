package application

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/netpoll"
	"cvpn/internal/infrastructure/network"
)

const acceptTick = time.Second

type Status struct {
	Running bool
	Active  int
	Addr    string
}

// acceptor owns one listening socket and the registry of sessions it
// spawned. The loop never blocks longer than one tick so the shutdown
// flag is honored promptly; idle ticks double as the cleanup pass.
type acceptor struct {
	name     string
	log      *slog.Logger
	registry *Registry
	cipher   domain.Cipher

	listenFD int
	addr     string
	port     int
	maxConns int

	handle  func(*domain.Session)
	running atomic.Bool
}

func newAcceptor(name, host string, port, maxConns int, cipher domain.Cipher, log *slog.Logger) (*acceptor, error) {
	fd, err := network.ListenTCP(host, port, maxConns)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s:%d: %w", name, host, port, err)
	}

	boundPort, err := network.LocalPort(fd)
	if err != nil {
		network.Close(fd)
		return nil, err
	}

	return &acceptor{
		name:     name,
		log:      log,
		registry: NewRegistry(),
		cipher:   cipher,
		listenFD: fd,
		addr:     fmt.Sprintf("%s:%d", host, boundPort),
		port:     boundPort,
		maxConns: maxConns,
	}, nil
}

// Port reports the bound listener port (useful when configured as 0).
func (a *acceptor) Port() int {
	return a.port
}

func (a *acceptor) Status() Status {
	return Status{
		Running: a.running.Load(),
		Active:  a.registry.Len(),
		Addr:    a.addr,
	}
}

// run accepts until the shutdown flag flips, then closes the listener
// and joins every session. Returning means all workers are gone.
func (a *acceptor) run(shutdown *atomic.Bool) error {
	a.running.Store(true)
	defer a.running.Store(false)

	poller, err := netpoll.New()
	if err != nil {
		network.Close(a.listenFD)
		return err
	}
	if err := poller.Add(a.listenFD, domain.EventRead); err != nil {
		poller.Close()
		network.Close(a.listenFD)
		return err
	}

	a.log.Info("Acceptor running", "name", a.name, "addr", a.addr, "max_connections", a.maxConns)

	for !shutdown.Load() {
		ready, err := poller.Wait(acceptTick)
		if err != nil {
			a.log.Error("Poll failed on listener", "name", a.name, "error", err)
			continue
		}
		if len(ready) == 0 {
			a.registry.Cleanup()
			continue
		}

		fd, peer, err := network.Accept(a.listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			if !shutdown.Load() {
				a.log.Error("Accept failed", "name", a.name, "error", err)
			}
			continue
		}

		if a.registry.Len() >= a.maxConns {
			a.log.Warn("Connection limit reached, dropping client", "name", a.name, "ip", peer)
			network.Close(fd)
			continue
		}

		sess := domain.NewSession(fd, peer, a.cipher)
		a.registry.Add(sess)
		a.log.Debug("New connection", "name", a.name, "fd", fd, "ip", peer)
		go a.runSession(sess)
	}

	a.log.Info("Acceptor stopping", "name", a.name)
	poller.Close()
	network.Close(a.listenFD)
	a.registry.StopAll()
	return nil
}

// runSession wraps the protocol handler with the teardown every
// session shares: both sockets closed exactly once, then Closed.
func (a *acceptor) runSession(sess *domain.Session) {
	defer func() {
		sess.Advance(domain.StateClosing)
		sess.CloseSockets(func() {
			network.Close(sess.ClientFD)
			if fd := sess.PeerFD(); fd >= 0 {
				network.Close(fd)
			}
		})
		sess.Finish()
		a.log.Debug("Session finished", "name", a.name, "ip", sess.PeerAddr,
			"flavor", sess.Flavor, "age", time.Since(sess.CreatedAt))
	}()

	a.handle(sess)
}
