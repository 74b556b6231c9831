package application

import (
	"encoding/binary"
	"net"

	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/network"
)

// handleSocks5 runs the RFC 1928 subset: no-auth greeting, CONNECT
// command, IPv4 or domain addressing.
func (s *LocalServer) handleSocks5(sess *domain.Session) {
	sess.Flavor = domain.FlavorSocks5
	fd := sess.ClientFD
	stop := deadlineStop(sess, headerTimeout)

	hdr := make([]byte, 2)
	if err := network.ReadFull(fd, hdr, stop); err != nil {
		return
	}
	if hdr[0] != domain.SocksVersion5 || hdr[1] == 0 {
		s.log.Warn("Bad SOCKS5 greeting", "ip", sess.PeerAddr, "version", hdr[0])
		return
	}

	methods := make([]byte, hdr[1])
	if err := network.ReadFull(fd, methods, stop); err != nil {
		return
	}
	if !hasNoAuth(methods) {
		s.log.Warn("No acceptable SOCKS5 auth method", "ip", sess.PeerAddr)
		network.WriteFull(fd, []byte{domain.SocksVersion5, domain.SocksNoMethod}, sess.StopRequested)
		return
	}
	if err := network.WriteFull(fd, []byte{domain.SocksVersion5, domain.SocksNoAuth}, sess.StopRequested); err != nil {
		return
	}

	req := make([]byte, 4)
	if err := network.ReadFull(fd, req, stop); err != nil {
		return
	}
	if req[0] != domain.SocksVersion5 {
		return
	}
	if req[1] != domain.CmdConnect {
		s.log.Warn("Unsupported SOCKS5 command", "ip", sess.PeerAddr, "cmd", req[1])
		s.socksReply(sess, domain.RepNotSupported)
		return
	}

	var target domain.Target
	switch req[3] {
	case domain.AtypIPv4:
		addr := make([]byte, 6)
		if err := network.ReadFull(fd, addr, stop); err != nil {
			return
		}
		target.Host = net.IP(addr[:4]).String()
		target.Port = int(binary.BigEndian.Uint16(addr[4:6]))

	case domain.AtypDomain:
		one := make([]byte, 1)
		if err := network.ReadFull(fd, one, stop); err != nil {
			return
		}
		if one[0] == 0 {
			s.log.Warn("Empty SOCKS5 domain", "ip", sess.PeerAddr)
			return
		}
		rest := make([]byte, int(one[0])+2)
		if err := network.ReadFull(fd, rest, stop); err != nil {
			return
		}
		target.Host = string(rest[:one[0]])
		target.Port = int(binary.BigEndian.Uint16(rest[one[0]:]))

	default:
		s.log.Warn("Unsupported SOCKS5 address type", "ip", sess.PeerAddr, "atyp", req[3])
		s.socksReply(sess, domain.RepNotSupported)
		return
	}

	if err := target.Validate(); err != nil {
		s.log.Warn("Bad SOCKS5 target", "ip", sess.PeerAddr, "error", err)
		s.socksReply(sess, domain.RepFailure)
		return
	}

	if err := s.connectTunnel(sess, target); err != nil {
		s.log.Error("Tunnel hop failed", "ip", sess.PeerAddr, "target", target.String(), "error", err)
		s.socksReply(sess, domain.RepFailure)
		return
	}

	if err := s.socksReply(sess, domain.RepSuccess); err != nil {
		return
	}

	s.relay(sess, target)
}

// socksReply sends [VER REP RSV ATYP BND.ADDR BND.PORT] with a zero
// bind address.
func (s *LocalServer) socksReply(sess *domain.Session, rep byte) error {
	reply := []byte{
		domain.SocksVersion5, rep, 0x00, domain.AtypIPv4,
		0, 0, 0, 0,
		0, 0,
	}
	return network.WriteFull(sess.ClientFD, reply, sess.StopRequested)
}

func hasNoAuth(methods []byte) bool {
	for _, m := range methods {
		if m == domain.SocksNoAuth {
			return true
		}
	}
	return false
}
