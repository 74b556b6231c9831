package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrStopped is returned by the blocking helpers when the caller's stop
// predicate fires between readiness ticks.
var ErrStopped = errors.New("stopped")

// tick bounds every readiness wait so stop flags are observed at least
// once per second.
const tick = time.Second

func ipv4Sockaddr(host string, port int) (*unix.SockaddrInet4, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if host == "" || host == "0.0.0.0" {
		return sa, nil
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("not an IPv4 address: %q", host)
	}
	copy(sa.Addr[:], ip.To4())
	return sa, nil
}

// ListenTCP opens a non-blocking listener with address reuse enabled.
func ListenTCP(host string, port, backlog int) (int, error) {
	sa, err := ipv4Sockaddr(host, port)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

// LocalPort reports the bound port, which matters when listening on
// port 0.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("not an IPv4 socket")
	}
	return in4.Port, nil
}

// Accept takes one pending connection off a readable listener. The new
// socket comes back non-blocking. unix.EAGAIN propagates when the
// readiness report was stale.
func Accept(listenFD int) (int, string, error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return -1, "", err
	}
	unix.SetNonblock(nfd, true)

	peer := "unknown"
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		peer = fmt.Sprintf("%s:%d", net.IP(in4.Addr[:]).String(), in4.Port)
	}
	return nfd, peer, nil
}

// Connect opens a non-blocking TCP connection to an IPv4 address and
// waits up to timeout for it to complete, checking stop between
// readiness ticks.
func Connect(host string, port int, timeout time.Duration, stop func() bool) (int, error) {
	sa, err := ipv4Sockaddr(host, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.SetNonblock(fd, true)

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}

	if err == unix.EINPROGRESS {
		deadline := time.Now().Add(timeout)
		for {
			if stop != nil && stop() {
				unix.Close(fd)
				return -1, ErrStopped
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				unix.Close(fd)
				return -1, unix.ETIMEDOUT
			}
			if remaining > tick {
				remaining = tick
			}
			writable, werr := waitWritable(fd, remaining)
			if werr != nil {
				unix.Close(fd)
				return -1, werr
			}
			if writable {
				break
			}
		}
	}

	// The connect outcome lands in SO_ERROR.
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if soerr != 0 {
		unix.Close(fd)
		return -1, unix.Errno(soerr)
	}

	return fd, nil
}

// PeekByte reads the first pending byte without consuming it.
func PeekByte(fd int, timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, unix.ETIMEDOUT
		}
		if remaining > tick {
			remaining = tick
		}
		readable, err := waitReadable(fd, remaining)
		if err != nil {
			return 0, err
		}
		if !readable {
			continue
		}

		n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return buf[0], nil
	}
}

func waitReadable(fd int, timeout time.Duration) (bool, error) {
	return wait(fd, unix.POLLIN, timeout)
}

func waitWritable(fd int, timeout time.Duration) (bool, error) {
	return wait(fd, unix.POLLOUT, timeout)
}

func wait(fd int, events int16, timeout time.Duration) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

// Read drains up to len(buf) bytes from a readable socket. EINTR is
// retried; EAGAIN propagates for the caller's readiness loop.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// ReadFull blocks until buf is filled, an error occurs, or stop fires.
// Readiness is re-checked every second. A peer close mid-frame is
// io.ErrUnexpectedEOF.
func ReadFull(fd int, buf []byte, stop func() bool) error {
	got := 0
	for got < len(buf) {
		if stop != nil && stop() {
			return ErrStopped
		}
		readable, err := waitReadable(fd, tick)
		if err != nil {
			return err
		}
		if !readable {
			continue
		}
		n, err := Read(fd, buf[got:])
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			if got == 0 {
				return io.EOF
			}
			return io.ErrUnexpectedEOF
		}
		got += n
	}
	return nil
}

// WriteFull writes all of buf, retrying partial writes until done, a
// permanent error occurs, or stop fires. Torn writes are not an option.
func WriteFull(fd int, buf []byte, stop func() bool) error {
	sent := 0
	for sent < len(buf) {
		if stop != nil && stop() {
			return ErrStopped
		}
		writable, err := waitWritable(fd, tick)
		if err != nil {
			return err
		}
		if !writable {
			continue
		}
		n, err := unix.Write(fd, buf[sent:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

// Shutdown wakes any goroutine blocked on the socket without releasing
// the fd; the owning session closes it exactly once afterwards.
func Shutdown(fd int) {
	if fd >= 0 {
		unix.Shutdown(fd, unix.SHUT_RDWR)
	}
}

func Close(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
