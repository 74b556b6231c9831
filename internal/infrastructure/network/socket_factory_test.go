package network

import (
	"bytes"
	"io"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadFullWriteFull(t *testing.T) {
	a, b := socketPair(t)

	payload := bytes.Repeat([]byte("0123456789"), 100)
	done := make(chan error, 1)
	go func() {
		done <- WriteFull(a, payload, nil)
	}()

	got := make([]byte, len(payload))
	if err := ReadFull(b, got, nil); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFull: %v", err)
	}
}

func TestReadFullEOF(t *testing.T) {
	a, b := socketPair(t)

	unix.Close(a)
	buf := make([]byte, 4)
	if err := ReadFull(b, buf, nil); err != io.EOF {
		t.Errorf("ReadFull on closed peer = %v, want EOF", err)
	}
}

func TestReadFullUnexpectedEOF(t *testing.T) {
	a, b := socketPair(t)

	if err := WriteFull(a, []byte{1, 2}, nil); err != nil {
		t.Fatal(err)
	}
	unix.Shutdown(a, unix.SHUT_WR)

	buf := make([]byte, 4)
	if err := ReadFull(b, buf, nil); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFull on torn frame = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReadFullStops(t *testing.T) {
	_, b := socketPair(t)

	stopped := make(chan struct{})
	close(stopped)
	stop := func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}

	buf := make([]byte, 4)
	start := time.Now()
	if err := ReadFull(b, buf, stop); err != ErrStopped {
		t.Errorf("ReadFull = %v, want ErrStopped", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("stop not observed within a tick")
	}
}

func TestPeekByteDoesNotConsume(t *testing.T) {
	a, b := socketPair(t)

	if err := WriteFull(a, []byte{0x05, 0x01}, nil); err != nil {
		t.Fatal(err)
	}

	first, err := PeekByte(b, time.Second)
	if err != nil {
		t.Fatalf("PeekByte: %v", err)
	}
	if first != 0x05 {
		t.Errorf("peeked %#x, want 0x05", first)
	}

	buf := make([]byte, 2)
	if err := ReadFull(b, buf, nil); err != nil {
		t.Fatalf("ReadFull after peek: %v", err)
	}
	if buf[0] != 0x05 || buf[1] != 0x01 {
		t.Errorf("peek consumed data: %x", buf)
	}
}

func TestPeekByteTimeout(t *testing.T) {
	_, b := socketPair(t)

	if _, err := PeekByte(b, 50*time.Millisecond); err != unix.ETIMEDOUT {
		t.Errorf("PeekByte on silent socket = %v, want ETIMEDOUT", err)
	}
}

func TestListenConnectLoopback(t *testing.T) {
	lfd, err := ListenTCP("127.0.0.1", 0, 8)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer unix.Close(lfd)

	port, err := LocalPort(lfd)
	if err != nil || port == 0 {
		t.Fatalf("LocalPort = %d, %v", port, err)
	}

	cfd, err := Connect("127.0.0.1", port, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer unix.Close(cfd)

	readable, err := wait(lfd, unix.POLLIN, 2*time.Second)
	if err != nil || !readable {
		t.Fatalf("listener never became readable: %v", err)
	}
	afd, peer, err := Accept(lfd)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer unix.Close(afd)
	if peer == "unknown" {
		t.Error("peer address not captured")
	}

	if err := WriteFull(cfd, []byte("ping"), nil); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if err := ReadFull(afd, buf, nil); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q", buf)
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port that is certainly closed by binding and releasing it.
	lfd, err := ListenTCP("127.0.0.1", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := LocalPort(lfd)
	unix.Close(lfd)

	if _, err := Connect("127.0.0.1", port, 2*time.Second, nil); err == nil {
		t.Error("Connect to closed port: want error")
	}
}

func TestConnectRejectsHostname(t *testing.T) {
	if _, err := Connect("not-an-ip.test", 80, time.Second, nil); err == nil {
		t.Error("Connect with hostname: want error")
	}
}
