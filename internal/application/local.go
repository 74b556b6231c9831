package application

import (
	"log/slog"
	"sync/atomic"
	"time"

	"cvpn/internal/config"
	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/network"
)

// headerTimeout bounds the handshake: the protocol peek, and then one
// deadline for all reads of the HTTP request head, the SOCKS5 greeting
// and request, or the remote side's target descriptor.
const headerTimeout = 5 * time.Second

// LocalServer is the half-proxy the browser talks to. It sniffs the
// first byte of every accepted connection and runs either the HTTP or
// the SOCKS5 handshake, then tunnels to the remote endpoint.
type LocalServer struct {
	*acceptor
	cfg *config.Config
}

func NewLocalServer(cfg *config.Config, cipher domain.Cipher, log *slog.Logger) (*LocalServer, error) {
	a, err := newAcceptor("local", cfg.Host, cfg.Port, cfg.MaxConnections, cipher, log)
	if err != nil {
		return nil, err
	}
	s := &LocalServer{acceptor: a, cfg: cfg}
	a.handle = s.handleClient
	return s, nil
}

func (s *LocalServer) Run(shutdown *atomic.Bool) error {
	return s.run(shutdown)
}

// handleClient routes on the first byte without consuming it: 0x05 is
// a SOCKS5 greeting, anything else is treated as HTTP.
func (s *LocalServer) handleClient(sess *domain.Session) {
	first, err := network.PeekByte(sess.ClientFD, headerTimeout)
	if err != nil {
		s.log.Debug("Peek failed", "ip", sess.PeerAddr, "error", err)
		return
	}

	if first == domain.SocksVersion5 {
		s.handleSocks5(sess)
	} else {
		s.handleHTTP(sess)
	}
}

// connectTunnel opens the hop to the remote endpoint and sends the
// encrypted target descriptor. The descriptor must precede any payload
// byte on the tunnel.
func (s *LocalServer) connectTunnel(sess *domain.Session, target domain.Target) error {
	sess.Advance(domain.StateConnecting)

	fd, err := network.Connect(s.cfg.Tunnel.Host, s.cfg.Tunnel.Port,
		s.cfg.TimeoutDuration(), sess.StopRequested)
	if err != nil {
		return err
	}
	sess.SetPeerFD(fd)

	frame, err := domain.EncodeDescriptor(target)
	if err != nil {
		return err
	}
	sess.Cipher.Encrypt(frame)
	return network.WriteFull(fd, frame, sess.StopRequested)
}

// relay runs the pump with the local-endpoint leg discipline: mutate
// on the way into the tunnel, demutate on the way back out.
func (s *LocalServer) relay(sess *domain.Session, target domain.Target) {
	sess.Advance(domain.StateRelaying)
	s.log.Info("Proxy tunnel established",
		"ip", sess.PeerAddr, "target", target.String(), "flavor", sess.Flavor)

	err := pump(sess, sess.Cipher.Encrypt, sess.Cipher.Decrypt, s.cfg.BufferSize)
	s.log.Debug("Relay ended", "ip", sess.PeerAddr, "target", target.String(), "reason", err)
}
