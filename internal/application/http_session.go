package application

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/network"
)

const maxRequestLine = 1024

var (
	badGateway      = []byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")
	connEstablished = []byte("HTTP/1.1 200 Connection established\r\n\r\n")
)

func (s *LocalServer) handleHTTP(sess *domain.Session) {
	fd := sess.ClientFD
	stop := deadlineStop(sess, headerTimeout)

	line, err := readHTTPLine(fd, stop)
	if err != nil {
		s.log.Debug("Request line unreadable", "ip", sess.PeerAddr, "error", err)
		return
	}

	var (
		target  domain.Target
		forward string // buffered rewritten request for absolute-URI mode
	)

	switch {
	case strings.HasPrefix(line, "CONNECT "):
		sess.Flavor = domain.FlavorHTTPConnect
		target, err = parseConnectTarget(line)
		if err == nil {
			err = consumeHeaders(fd, stop)
		}

	case isAbsoluteMethod(line):
		sess.Flavor = domain.FlavorHTTPAbsolute
		var requestLine string
		target, requestLine, err = parseAbsoluteRequest(line)
		if err == nil {
			forward, err = collectRewrittenRequest(fd, stop, requestLine, target.Host)
		}

	default:
		err = fmt.Errorf("unsupported request line %q", line)
	}

	if err != nil {
		s.log.Warn("Bad HTTP request", "ip", sess.PeerAddr, "error", err)
		network.WriteFull(fd, badGateway, sess.StopRequested)
		return
	}

	if err := s.connectTunnel(sess, target); err != nil {
		s.log.Error("Tunnel hop failed", "ip", sess.PeerAddr, "target", target.String(), "error", err)
		network.WriteFull(fd, badGateway, sess.StopRequested)
		return
	}

	if sess.Flavor == domain.FlavorHTTPConnect {
		if err := network.WriteFull(fd, connEstablished, sess.StopRequested); err != nil {
			return
		}
	} else {
		// The rewritten request rides the tunnel as the first payload;
		// the client hears nothing until the target answers.
		payload := []byte(forward)
		sess.Cipher.Encrypt(payload)
		if err := network.WriteFull(sess.PeerFD(), payload, sess.StopRequested); err != nil {
			return
		}
	}

	s.relay(sess, target)
}

func isAbsoluteMethod(line string) bool {
	for _, m := range []string{"GET ", "POST ", "PUT ", "DELETE "} {
		if strings.HasPrefix(line, m) {
			return true
		}
	}
	return false
}

// parseConnectTarget parses "CONNECT host:port HTTP/x.y".
func parseConnectTarget(line string) (domain.Target, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "CONNECT" {
		return domain.Target{}, fmt.Errorf("malformed CONNECT line %q", line)
	}

	host, portStr, ok := strings.Cut(fields[1], ":")
	if !ok {
		return domain.Target{}, fmt.Errorf("no port in CONNECT target %q", fields[1])
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return domain.Target{}, fmt.Errorf("bad port in CONNECT target %q", fields[1])
	}

	t := domain.Target{Host: host, Port: port}
	if err := t.Validate(); err != nil {
		return domain.Target{}, err
	}
	return t, nil
}

// parseAbsoluteRequest parses "METHOD http://host[:port]/path HTTP/x.y"
// and returns the target plus the request line rewritten to an
// origin-form path.
func parseAbsoluteRequest(line string) (domain.Target, string, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return domain.Target{}, "", fmt.Errorf("malformed request line %q", line)
	}
	method, url, version := fields[0], fields[1], fields[2]

	var rest string
	port := 0
	switch {
	case strings.HasPrefix(url, "http://"):
		rest = url[len("http://"):]
		port = 80
	case strings.HasPrefix(url, "https://"):
		rest = url[len("https://"):]
		port = 443
	default:
		return domain.Target{}, "", fmt.Errorf("unsupported URL scheme in %q", url)
	}

	hostPort := rest
	path := "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostPort = rest[:i]
		path = rest[i:]
	}

	host := hostPort
	if h, portStr, ok := strings.Cut(hostPort, ":"); ok {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return domain.Target{}, "", fmt.Errorf("bad port in URL %q", url)
		}
		host = h
		port = p
	}

	t := domain.Target{Host: host, Port: port}
	if err := t.Validate(); err != nil {
		return domain.Target{}, "", err
	}
	return t, method + " " + path + " " + version, nil
}

// consumeHeaders discards header lines up to the blank line ending the
// request head.
func consumeHeaders(fd int, stop func() bool) error {
	for {
		line, err := readHTTPLine(fd, stop)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// collectRewrittenRequest rebuilds the request head for forwarding:
// origin-form request line, Host header pinned to the parsed target.
func collectRewrittenRequest(fd int, stop func() bool, requestLine, host string) (string, error) {
	var b strings.Builder
	b.WriteString(requestLine)
	b.WriteString("\r\n")

	for {
		line, err := readHTTPLine(fd, stop)
		if err != nil {
			return "", err
		}
		if line == "" {
			b.WriteString("\r\n")
			return b.String(), nil
		}
		if strings.HasPrefix(line, "Host:") {
			b.WriteString("Host: ")
			b.WriteString(host)
		} else {
			b.WriteString(line)
		}
		b.WriteString("\r\n")
	}
}

// readHTTPLine reads byte-by-byte up to CRLF, bounded to the request
// line limit. The trailing CRLF (or bare LF) is stripped.
func readHTTPLine(fd int, stop func() bool) (string, error) {
	buf := make([]byte, 0, 128)
	one := make([]byte, 1)

	for len(buf) < maxRequestLine {
		if err := network.ReadFull(fd, one, stop); err != nil {
			return "", err
		}
		if one[0] == '\n' {
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			return string(buf), nil
		}
		buf = append(buf, one[0])
	}
	return "", fmt.Errorf("line longer than %d bytes", maxRequestLine)
}

// deadlineStop folds the session stop flag and a handshake deadline
// into one predicate for the exact-read helpers.
func deadlineStop(sess *domain.Session, d time.Duration) func() bool {
	deadline := time.Now().Add(d)
	return func() bool {
		return sess.StopRequested() || time.Now().After(deadline)
	}
}
