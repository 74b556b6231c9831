package netpoll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"cvpn/internal/domain"
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

func TestWaitTimeoutTick(t *testing.T) {
	_, b := socketPair(t)

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Add(b, domain.EventRead); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	ready, err := p.Wait(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("idle socket reported ready: %v", ready)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("tick returned too early: %v", elapsed)
	}
}

func TestWaitReportsReadable(t *testing.T) {
	a, b := socketPair(t)

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Add(b, domain.EventRead); err != nil {
		t.Fatal(err)
	}

	if _, err := unix.Write(a, []byte("x")); err != nil {
		t.Fatal(err)
	}

	ready, err := p.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 1 || ready[0].FD != b || ready[0].Events&domain.EventRead == 0 {
		t.Errorf("ready = %+v, want fd %d readable", ready, b)
	}
}

func TestWaitReportsPeerClose(t *testing.T) {
	a, b := socketPair(t)

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Add(b, domain.EventRead); err != nil {
		t.Fatal(err)
	}

	unix.Close(a)
	ready, err := p.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	// Hangup surfaces as readable so the pump reads the EOF itself.
	if len(ready) != 1 || ready[0].Events&domain.EventRead == 0 {
		t.Errorf("ready = %+v, want readable hangup", ready)
	}
}

func TestRemove(t *testing.T) {
	a, b := socketPair(t)

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Add(b, domain.EventRead); err != nil {
		t.Fatal(err)
	}
	if err := p.Remove(b); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	unix.Write(a, []byte("x"))
	ready, err := p.Wait(100 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Errorf("removed fd still reported: %v", ready)
	}
}
