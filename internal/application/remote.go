package application

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"cvpn/internal/config"
	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/network"
)

// targetConnectTimeout bounds the outbound connect at the remote
// endpoint. A failure here just closes the tunnel socket; the local
// side's relay sees the close and closes its client connection.
const targetConnectTimeout = 10 * time.Second

// RemoteServer is the half-proxy that opens real outbound connections.
// Every accepted tunnel session starts with the encrypted target
// descriptor; everything after it is an opaque byte stream.
type RemoteServer struct {
	*acceptor
	cfg      *config.Config
	resolver domain.Resolver
}

func NewRemoteServer(cfg *config.Config, cipher domain.Cipher, res domain.Resolver, log *slog.Logger) (*RemoteServer, error) {
	a, err := newAcceptor("remote", cfg.Tunnel.Host, cfg.Tunnel.Port, cfg.MaxConnections, cipher, log)
	if err != nil {
		return nil, err
	}
	s := &RemoteServer{acceptor: a, cfg: cfg, resolver: res}
	a.handle = s.handleTunnel
	return s, nil
}

func (s *RemoteServer) Run(shutdown *atomic.Bool) error {
	return s.run(shutdown)
}

func (s *RemoteServer) handleTunnel(sess *domain.Session) {
	sess.Flavor = domain.FlavorTunnel

	target, ok := s.readDescriptor(sess)
	if !ok {
		return
	}

	sess.Advance(domain.StateConnecting)
	ip, err := s.resolver.Resolve(target.Host)
	if err != nil {
		s.log.Error("Resolution failed", "ip", sess.PeerAddr, "host", target.Host, "error", err)
		return
	}

	fd, err := network.Connect(ip, target.Port, targetConnectTimeout, sess.StopRequested)
	if err != nil {
		s.log.Error("Target unreachable", "ip", sess.PeerAddr,
			"target", target.String(), "resolved", ip, "error", err)
		return
	}
	sess.SetPeerFD(fd)

	s.log.Info("Tunnel established", "ip", sess.PeerAddr, "target", target.String(), "resolved", ip)

	// Any payload the local side sent right behind the descriptor is
	// still in the socket buffer; the first pump tick picks it up.
	sess.Advance(domain.StateRelaying)
	err = pump(sess, sess.Cipher.Decrypt, sess.Cipher.Encrypt, s.cfg.BufferSize)
	s.log.Debug("Relay ended", "ip", sess.PeerAddr, "target", target.String(), "reason", err)
}

// readDescriptor consumes and demutates the 4+L+2 target frame that
// opens every tunnel session.
func (s *RemoteServer) readDescriptor(sess *domain.Session) (domain.Target, bool) {
	fd := sess.ClientFD
	stop := deadlineStop(sess, headerTimeout)

	hdr := make([]byte, 4)
	if err := network.ReadFull(fd, hdr, stop); err != nil {
		s.log.Debug("Descriptor header unreadable", "ip", sess.PeerAddr, "error", err)
		return domain.Target{}, false
	}
	s.log.Debug("Descriptor header", "ip", sess.PeerAddr, "raw", hex.EncodeToString(hdr))

	sess.Cipher.Decrypt(hdr)
	hostLen := binary.BigEndian.Uint32(hdr)
	s.log.Debug("Descriptor header demutated", "ip", sess.PeerAddr,
		"hex", hex.EncodeToString(hdr), "host_len", hostLen)

	if hostLen == 0 || hostLen > domain.MaxHostLen {
		s.log.Warn("Bad descriptor host length", "ip", sess.PeerAddr, "host_len", hostLen)
		return domain.Target{}, false
	}

	host := make([]byte, hostLen)
	if err := network.ReadFull(fd, host, stop); err != nil {
		s.log.Debug("Descriptor host unreadable", "ip", sess.PeerAddr, "error", err)
		return domain.Target{}, false
	}
	sess.Cipher.Decrypt(host)

	portBuf := make([]byte, 2)
	if err := network.ReadFull(fd, portBuf, stop); err != nil {
		s.log.Debug("Descriptor port unreadable", "ip", sess.PeerAddr, "error", err)
		return domain.Target{}, false
	}
	sess.Cipher.Decrypt(portBuf)

	target := domain.Target{
		Host: string(host),
		Port: int(binary.BigEndian.Uint16(portBuf)),
	}
	if err := target.Validate(); err != nil {
		s.log.Warn("Bad descriptor target", "ip", sess.PeerAddr, "error", err)
		return domain.Target{}, false
	}
	return target, true
}
